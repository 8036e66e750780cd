// Package credentials owns account records and password authentication.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/recipebox/backend/internal/models"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrInvalidEmail is returned for addresses that do not parse as a bare mailbox.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidCredentials covers unknown email, wrong password and inactive accounts alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPasswordRequired   = errors.New("password required")
	ErrPasswordTooLong    = errors.New("password too long")
)

// AccountRepository is the subset of repository.AccountRepo the store needs.
type AccountRepository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
	FindOrCreateByEmailTx(ctx context.Context, tx pgx.Tx, a *models.Account) (bool, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

type Store struct {
	accounts  AccountRepository
	cost      int
	dummyHash []byte
}

// NewStore hashes a throwaway password once so that failed lookups cost the same
// as a real comparison.
func NewStore(accounts AccountRepository, cost int) (*Store, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	return &Store{accounts: accounts, cost: cost, dummyHash: dummy}, nil
}

// NormalizeEmail trims and lower-cases raw and checks it is a bare address.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *Store) hash(raw string) (*string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(raw), s.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, ErrPasswordTooLong
		}
		return nil, fmt.Errorf("hash password: %w", err)
	}
	str := string(h)
	return &str, nil
}

// CreateAccount inserts a new free-tier account. A password is required for email
// registrations; google accounts may have none.
func (s *Store) CreateAccount(ctx context.Context, tx pgx.Tx, email, rawPassword string, method models.RegistrationMethod) (*models.Account, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	acc := &models.Account{
		ID:                 uuid.New(),
		Email:              email,
		IsActive:           true,
		IsEmailVerified:    method == models.RegistrationGoogle,
		RegistrationMethod: method,
		Tier:               models.TierFree,
	}
	switch {
	case rawPassword != "":
		if acc.PasswordHash, err = s.hash(rawPassword); err != nil {
			return nil, err
		}
	case method != models.RegistrationGoogle:
		return nil, ErrPasswordRequired
	}
	if err := s.accounts.CreateTx(ctx, tx, acc); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return acc, nil
}

// Authenticate returns the account for email if rawPassword matches its hash.
func (s *Store) Authenticate(ctx context.Context, email, rawPassword string) (*models.Account, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		s.burn(rawPassword)
		return nil, ErrInvalidCredentials
	}
	acc, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.burn(rawPassword)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !acc.HasPassword() {
		s.burn(rawPassword)
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*acc.PasswordHash), []byte(rawPassword)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !models.CanAuthenticate(acc) {
		return nil, ErrInvalidCredentials
	}
	return acc, nil
}

// burn spends one bcrypt comparison against the dummy hash.
func (s *Store) burn(rawPassword string) {
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(rawPassword))
}

// FindOrCreateByEmail returns the account for email, creating it with method and
// verified when absent. Concurrent calls for the same email yield one account.
func (s *Store) FindOrCreateByEmail(ctx context.Context, tx pgx.Tx, email string, method models.RegistrationMethod, verified bool) (*models.Account, bool, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, false, err
	}
	acc := &models.Account{
		ID:                 uuid.New(),
		Email:              email,
		IsActive:           true,
		IsEmailVerified:    verified,
		RegistrationMethod: method,
		Tier:               models.TierFree,
	}
	created, err := s.accounts.FindOrCreateByEmailTx(ctx, tx, acc)
	if err != nil {
		return nil, false, err
	}
	return acc, created, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
