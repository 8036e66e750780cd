// Package auth is the gateway for registration, email verification, login and
// Google sign-in. It owns the transaction boundaries; the credential store,
// verification ledger and token issuer do the individual steps.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recipebox/backend/internal/credentials"
	"github.com/recipebox/backend/internal/models"
	"github.com/recipebox/backend/internal/notify"
	"github.com/recipebox/backend/internal/oauth"
	"github.com/recipebox/backend/internal/tokens"
	"github.com/recipebox/backend/internal/verification"
)

// ResendMessage is the answer to every resend request, whether or not the email
// belongs to an account.
const ResendMessage = "If an unverified account exists for this email, a new verification link has been sent."

var (
	ErrGoogleDisabled = errors.New("google sign-in is not configured")
	ErrMissingCode    = errors.New("authorization code missing")
)

// AccountRepository is the subset of repository.AccountRepo the gateway needs.
type AccountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	MarkEmailVerifiedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	ClearPasswordTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ProfileRepository interface {
	UpsertTx(ctx context.Context, tx pgx.Tx, p *models.Profile) error
	UpsertNamesTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, displayName, firstName string) error
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.Profile, error)
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Deps wires the gateway. Linker may be nil when Google sign-in is not configured.
type Deps struct {
	DB            TxBeginner
	Credentials   *credentials.Store
	Verifications *verification.Ledger
	Linker        *oauth.Linker
	Tokens        *tokens.Issuer
	Accounts      AccountRepository
	Profiles      ProfileRepository
	Notify        notify.InsertTxFunc
	Log           *slog.Logger
}

// AccountView is the merged account and profile returned to the owner.
type AccountView struct {
	*models.Account
	Profile models.Profile `json:"profile"`
}

// ProfileInput carries profile fields from a request. Nil fields are left as they are.
type ProfileInput struct {
	DisplayName *string `json:"display_name"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	Bio         *string `json:"bio"`
	Intro       *string `json:"intro"`
	Website     *string `json:"website"`
	Twitter     *string `json:"twitter"`
	Instagram   *string `json:"instagram"`
	Facebook    *string `json:"facebook"`
}

func (in *ProfileInput) apply(p *models.Profile) {
	if in == nil {
		return
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.DisplayName, in.DisplayName)
	set(&p.FirstName, in.FirstName)
	set(&p.LastName, in.LastName)
	set(&p.Bio, in.Bio)
	set(&p.Intro, in.Intro)
	set(&p.Website, in.Website)
	set(&p.Twitter, in.Twitter)
	set(&p.Instagram, in.Instagram)
	set(&p.Facebook, in.Facebook)
}

type RegisterInput struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Profile  *ProfileInput `json:"profile"`
}

type Service interface {
	Register(ctx context.Context, in RegisterInput) (*AccountView, error)
	VerifyEmail(ctx context.Context, token string) error
	ResendVerification(ctx context.Context, email string) string
	GoogleLoginURL() (string, error)
	GoogleCallback(ctx context.Context, code, errParam string) (tokens.Pair, error)
	Login(ctx context.Context, email, password string) (tokens.Pair, error)
	RefreshToken(ctx context.Context, refresh string) (tokens.Pair, error)
	Profile(ctx context.Context, accountID uuid.UUID) (*AccountView, error)
	UpdateProfile(ctx context.Context, accountID uuid.UUID, in ProfileInput) (*AccountView, error)
}

type service struct {
	Deps
	now func() time.Time
}

func NewService(d Deps) Service {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &service{Deps: d, now: time.Now}
}

var _ Service = (*service)(nil)

// Register creates an unverified free-tier account with its profile and first
// verification token, and queues the verification email, all in one transaction.
func (s *service) Register(ctx context.Context, in RegisterInput) (*AccountView, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.Credentials.CreateAccount(ctx, tx, in.Email, in.Password, models.RegistrationEmail)
	if err != nil {
		return nil, err
	}
	profile := models.Profile{AccountID: acc.ID}
	in.Profile.apply(&profile)
	if err := s.Profiles.UpsertTx(ctx, tx, &profile); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	tok, err := s.Verifications.Issue(ctx, tx, acc.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Notify(ctx, tx, notify.SendArgs{
		Template:  notify.TemplateVerification,
		AccountID: acc.ID,
		Email:     acc.Email,
		Token:     tok.Token.String(),
	}); err != nil {
		return nil, fmt.Errorf("queue verification email: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Log.Info("account registered", "account_id", acc.ID)
	return &AccountView{Account: acc, Profile: profile}, nil
}

func (s *service) VerifyEmail(ctx context.Context, token string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	accountID, err := s.Verifications.Redeem(ctx, tx, token)
	if err != nil {
		return err
	}
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if err := s.Accounts.MarkEmailVerifiedTx(ctx, tx, accountID); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if err := s.Notify(ctx, tx, notify.SendArgs{
		Template:  notify.TemplateWelcome,
		AccountID: acc.ID,
		Email:     acc.Email,
	}); err != nil {
		return fmt.Errorf("queue welcome email: %w", err)
	}
	return tx.Commit(ctx)
}

// ResendVerification issues a fresh token for an unverified account. The result
// is ResendMessage in every case; failures are only logged.
func (s *service) ResendVerification(ctx context.Context, email string) string {
	if err := s.resend(ctx, email); err != nil {
		s.Log.Error("resend verification failed", "error", err)
	}
	return ResendMessage
}

func (s *service) resend(ctx context.Context, raw string) error {
	email, err := credentials.NormalizeEmail(raw)
	if err != nil {
		return nil
	}
	acc, err := s.Accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if acc.IsEmailVerified || !models.CanAuthenticate(acc) {
		return nil
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tok, err := s.Verifications.Reissue(ctx, tx, acc.ID)
	if err != nil {
		return err
	}
	if err := s.Notify(ctx, tx, notify.SendArgs{
		Template:  notify.TemplateVerification,
		AccountID: acc.ID,
		Email:     acc.Email,
		Token:     tok.Token.String(),
	}); err != nil {
		return fmt.Errorf("queue verification email: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *service) GoogleLoginURL() (string, error) {
	if s.Linker == nil {
		return "", ErrGoogleDisabled
	}
	return s.Linker.BeginAuthorization(), nil
}

// GoogleCallback signs in the Google user, creating a verified account on first
// sight. An existing account with the same email is reused and marked verified;
// its profile names are refreshed from the provider when present. If that account
// was unverified, its password and pending verification links are dropped, since
// nobody proved control of the address when they were set.
func (s *service) GoogleCallback(ctx context.Context, code, errParam string) (tokens.Pair, error) {
	if s.Linker == nil {
		return tokens.Pair{}, ErrGoogleDisabled
	}
	if errParam != "" {
		return tokens.Pair{}, s.Linker.ProviderDenied(errParam)
	}
	if code == "" {
		return tokens.Pair{}, ErrMissingCode
	}
	ident, err := s.Linker.CompleteAuthorization(ctx, code)
	if err != nil {
		return tokens.Pair{}, err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return tokens.Pair{}, err
	}
	defer tx.Rollback(ctx)

	acc, created, err := s.Credentials.FindOrCreateByEmail(ctx, tx, ident.Email, models.RegistrationGoogle, true)
	if err != nil {
		return tokens.Pair{}, err
	}
	if !models.CanAuthenticate(acc) {
		return tokens.Pair{}, credentials.ErrInvalidCredentials
	}
	if !acc.IsEmailVerified {
		if err := s.Accounts.MarkEmailVerifiedTx(ctx, tx, acc.ID); err != nil {
			return tokens.Pair{}, fmt.Errorf("mark verified: %w", err)
		}
		if err := s.Verifications.InvalidateAll(ctx, tx, acc.ID); err != nil {
			return tokens.Pair{}, err
		}
		if acc.HasPassword() {
			if err := s.Accounts.ClearPasswordTx(ctx, tx, acc.ID); err != nil {
				return tokens.Pair{}, fmt.Errorf("clear password: %w", err)
			}
			s.Log.Info("unverified password removed on google sign-in", "account_id", acc.ID)
		}
	}
	if err := s.Profiles.UpsertNamesTx(ctx, tx, acc.ID, ident.DisplayName, ident.GivenName); err != nil {
		return tokens.Pair{}, fmt.Errorf("update profile: %w", err)
	}
	if created {
		if err := s.Notify(ctx, tx, notify.SendArgs{
			Template:  notify.TemplateWelcome,
			AccountID: acc.ID,
			Email:     acc.Email,
		}); err != nil {
			return tokens.Pair{}, fmt.Errorf("queue welcome email: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return tokens.Pair{}, err
	}
	if created {
		s.Log.Info("account created via google", "account_id", acc.ID)
	}
	return s.signIn(ctx, acc)
}

// Login does not require a verified email.
func (s *service) Login(ctx context.Context, email, password string) (tokens.Pair, error) {
	acc, err := s.Credentials.Authenticate(ctx, email, password)
	if err != nil {
		return tokens.Pair{}, err
	}
	return s.signIn(ctx, acc)
}

func (s *service) signIn(ctx context.Context, acc *models.Account) (tokens.Pair, error) {
	if err := s.Accounts.TouchLastLogin(ctx, acc.ID, s.now()); err != nil {
		s.Log.Warn("update last login failed", "account_id", acc.ID, "error", err)
	}
	return s.Tokens.Issue(ctx, acc.ID)
}

func (s *service) RefreshToken(ctx context.Context, refresh string) (tokens.Pair, error) {
	return s.Tokens.Refresh(ctx, refresh)
}

func (s *service) Profile(ctx context.Context, accountID uuid.UUID) (*AccountView, error) {
	acc, err := s.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	p, err := s.Profiles.GetByAccountID(ctx, accountID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return &AccountView{Account: acc, Profile: models.Profile{AccountID: accountID}}, nil
	case err != nil:
		return nil, err
	}
	return &AccountView{Account: acc, Profile: *p}, nil
}

// UpdateProfile applies the non-nil fields of in, creating the profile if the
// account has none.
func (s *service) UpdateProfile(ctx context.Context, accountID uuid.UUID, in ProfileInput) (*AccountView, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	profile := models.Profile{AccountID: accountID}
	current, err := s.Profiles.GetByAccountID(ctx, accountID)
	switch {
	case err == nil:
		profile = *current
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}
	in.apply(&profile)
	if err := s.Profiles.UpsertTx(ctx, tx, &profile); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &AccountView{Account: acc, Profile: profile}, nil
}
