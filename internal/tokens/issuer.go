// Package tokens mints and rotates the HS256 access and refresh credentials.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/recipebox/backend/internal/models"
)

// Lifetimes are fixed.
const (
	AccessTTL  = 15 * time.Minute
	RefreshTTL = 72 * time.Hour
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// ErrInvalidOrExpired covers bad signatures, expired, rotated and wrong-type tokens.
var ErrInvalidOrExpired = errors.New("token is invalid or expired")

// Pair is the credential pair returned to clients.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Repository is the subset of repository.RefreshTokenRepo the issuer needs.
type Repository interface {
	Create(ctx context.Context, t *models.RefreshToken) error
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.RefreshToken) error
	RotateTx(ctx context.Context, tx pgx.Tx, jti uuid.UUID, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// AccountLookup is the subset of repository.AccountRepo the issuer needs.
type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type claims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"`
}

type Issuer struct {
	db       TxBeginner
	repo     Repository
	accounts AccountLookup
	secret   []byte
	now      func() time.Time
}

func NewIssuer(db TxBeginner, repo Repository, accounts AccountLookup, secret []byte) *Issuer {
	return &Issuer{db: db, repo: repo, accounts: accounts, secret: secret, now: time.Now}
}

// WithClock returns a copy of the issuer reading time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *i
	cp.now = now
	return &cp
}

// Issue mints a new pair and records the refresh token.
func (i *Issuer) Issue(ctx context.Context, accountID uuid.UUID) (Pair, error) {
	pair, rt, err := i.mint(accountID)
	if err != nil {
		return Pair{}, err
	}
	if err := i.repo.Create(ctx, rt); err != nil {
		return Pair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

// Refresh rotates raw out and returns a new pair. Each refresh token works once,
// and only while its account exists and may sign in.
func (i *Issuer) Refresh(ctx context.Context, raw string) (Pair, error) {
	c, err := i.parse(raw, typeRefresh)
	if err != nil {
		return Pair{}, err
	}
	accountID, jti, err := c.ids()
	if err != nil {
		return Pair{}, err
	}
	acc, err := i.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pair{}, ErrInvalidOrExpired
		}
		return Pair{}, fmt.Errorf("load account: %w", err)
	}
	if !models.CanAuthenticate(acc) {
		return Pair{}, ErrInvalidOrExpired
	}

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return Pair{}, err
	}
	defer tx.Rollback(ctx)

	ok, err := i.repo.RotateTx(ctx, tx, jti, i.now())
	if err != nil {
		return Pair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !ok {
		return Pair{}, ErrInvalidOrExpired
	}
	pair, rt, err := i.mint(accountID)
	if err != nil {
		return Pair{}, err
	}
	if err := i.repo.CreateTx(ctx, tx, rt); err != nil {
		// Account deleted since the lookup above.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Pair{}, ErrInvalidOrExpired
		}
		return Pair{}, fmt.Errorf("store refresh token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// Verify returns the account id of a valid access token.
func (i *Issuer) Verify(_ context.Context, raw string) (uuid.UUID, error) {
	c, err := i.parse(raw, typeAccess)
	if err != nil {
		return uuid.Nil, err
	}
	accountID, _, err := c.ids()
	return accountID, err
}

// Purge deletes refresh token rows that expired before the cutoff.
func (i *Issuer) Purge(ctx context.Context, before time.Time) (int64, error) {
	return i.repo.DeleteExpired(ctx, before)
}

func (i *Issuer) mint(accountID uuid.UUID) (Pair, *models.RefreshToken, error) {
	now := i.now()
	access, err := i.sign(accountID, typeAccess, uuid.New(), now, AccessTTL)
	if err != nil {
		return Pair{}, nil, err
	}
	rt := &models.RefreshToken{
		JTI:       uuid.New(),
		AccountID: accountID,
		IssuedAt:  now,
		ExpiresAt: now.Add(RefreshTTL),
	}
	refresh, err := i.sign(accountID, typeRefresh, rt.JTI, now, RefreshTTL)
	if err != nil {
		return Pair{}, nil, err
	}
	return Pair{Access: access, Refresh: refresh}, rt, nil
}

func (i *Issuer) sign(accountID uuid.UUID, typ string, jti uuid.UUID, now time.Time, ttl time.Duration) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   accountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: typ,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return s, nil
}

func (i *Issuer) parse(raw, wantType string) (*claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, ErrInvalidOrExpired
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Type != wantType {
		return nil, ErrInvalidOrExpired
	}
	return c, nil
}

func (c *claims) ids() (accountID, jti uuid.UUID, err error) {
	if accountID, err = uuid.Parse(c.Subject); err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidOrExpired
	}
	if jti, err = uuid.Parse(c.ID); err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidOrExpired
	}
	return accountID, jti, nil
}
