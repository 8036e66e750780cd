package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/recipebox/backend/internal/credentials"
	"github.com/recipebox/backend/internal/models"
	"github.com/recipebox/backend/internal/notify"
	"github.com/recipebox/backend/internal/oauth"
	"github.com/recipebox/backend/internal/testkit"
	"github.com/recipebox/backend/internal/tokens"
	"github.com/recipebox/backend/internal/verification"
)

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	mem      *testkit.Store
	db       *testkit.DB
	issuer   *tokens.Issuer
	provider *fakeGoogle
	svc      Service

	mu     sync.Mutex
	queued []notify.SendArgs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{mem: testkit.NewStore(), db: &testkit.DB{}, provider: newFakeGoogle(t)}
	store, err := credentials.NewStore(h.mem.Accounts(), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h.issuer = tokens.NewIssuer(h.db, h.mem.RefreshTokens(), h.mem.Accounts(), []byte("test-secret"))
	h.svc = NewService(Deps{
		DB:            h.db,
		Credentials:   store,
		Verifications: verification.NewLedger(h.mem.Verifications()),
		Linker:        h.provider.linker(),
		Tokens:        h.issuer,
		Accounts:      h.mem.Accounts(),
		Profiles:      h.mem.Profiles(),
		Notify:        h.enqueue,
	})
	return h
}

func (h *harness) enqueue(_ context.Context, _ pgx.Tx, args notify.SendArgs) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queued = append(h.queued, args)
	return nil
}

func (h *harness) notifications(template notify.Template) []notify.SendArgs {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []notify.SendArgs
	for _, a := range h.queued {
		if a.Template == template {
			out = append(out, a)
		}
	}
	return out
}

func (h *harness) account(t *testing.T, email string) *models.Account {
	t.Helper()
	acc, err := h.mem.Accounts().GetByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("GetByEmail(%q): %v", email, err)
	}
	return acc
}

// onlyToken returns the single verification token of the account.
func (h *harness) onlyToken(t *testing.T, accountID uuid.UUID) string {
	t.Helper()
	toks := h.mem.TokensFor(accountID)
	if len(toks) != 1 {
		t.Fatalf("expected 1 verification token, got %d", len(toks))
	}
	return toks[0].Token.String()
}

func (h *harness) register(t *testing.T, email string) *AccountView {
	t.Helper()
	view, err := h.svc.Register(context.Background(), RegisterInput{Email: email, Password: "pw1-long-enough"})
	if err != nil {
		t.Fatalf("Register(%q): %v", email, err)
	}
	return view
}

// fakeGoogle serves the token and userinfo endpoints.
type fakeGoogle struct {
	srv *httptest.Server

	mu             sync.Mutex
	tokenStatus    int
	userInfoStatus int
	email          string
	name           string
	givenName      string
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	g := &fakeGoogle{
		tokenStatus:    http.StatusOK,
		userInfoStatus: http.StatusOK,
		email:          "ann@example.com",
		name:           "Ann Lee",
		givenName:      "Ann",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(g.tokenStatus)
		if g.tokenStatus != http.StatusOK {
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(g.userInfoStatus)
		fmt.Fprintf(w, `{"sub":"42","email":%q,"email_verified":true,"name":%q,"given_name":%q}`, g.email, g.name, g.givenName)
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGoogle) set(fn func(g *fakeGoogle)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGoogle) linker() *oauth.Linker {
	return oauth.NewLinker(oauth.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/api/v1/google/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   g.srv.URL + "/auth",
			TokenURL:  g.srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		UserInfoURL: g.srv.URL + "/userinfo",
		Timeout:     2 * time.Second,
	}, nil)
}

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

func TestRegister_CreatesUnverifiedFreeAccount(t *testing.T) {
	h := newHarness(t)
	display := "Ann"

	view, err := h.svc.Register(context.Background(), RegisterInput{
		Email:    "  A@X.com ",
		Password: "pw1-long-enough",
		Profile:  &ProfileInput{DisplayName: &display},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if view.Email != "a@x.com" {
		t.Errorf("expected normalized email, got %q", view.Email)
	}
	if view.Tier != models.TierFree || view.IsEmailVerified {
		t.Errorf("expected free unverified account, got tier=%s verified=%v", view.Tier, view.IsEmailVerified)
	}
	if view.Profile.DisplayName != "Ann" {
		t.Errorf("expected profile display name, got %q", view.Profile.DisplayName)
	}
	if h.mem.ProfileCount() != 1 {
		t.Errorf("expected exactly one profile, got %d", h.mem.ProfileCount())
	}

	tok := h.onlyToken(t, view.ID)
	sent := h.notifications(notify.TemplateVerification)
	if len(sent) != 1 || sent[0].Token != tok || sent[0].Email != "a@x.com" {
		t.Errorf("expected one verification email carrying the token, got %+v", sent)
	}
	if h.db.Commits() != 1 {
		t.Errorf("expected one committed transaction, got %d", h.db.Commits())
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com")

	_, err := h.svc.Register(context.Background(), RegisterInput{Email: "A@x.com", Password: "another-password"})
	if !errors.Is(err, credentials.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if h.mem.AccountCount() != 1 {
		t.Errorf("expected 1 account, got %d", h.mem.AccountCount())
	}
}

func TestRegister_RollsBackWhenProfileFails(t *testing.T) {
	h := newHarness(t)
	h.mem.FailOn("Profiles.UpsertTx", errors.New("disk full"))

	if _, err := h.svc.Register(context.Background(), RegisterInput{Email: "a@x.com", Password: "pw1-long-enough"}); err == nil {
		t.Fatal("expected error")
	}
	if h.db.Commits() != 0 || h.db.Rollbacks() != 1 {
		t.Errorf("expected rollback only, got commits=%d rollbacks=%d", h.db.Commits(), h.db.Rollbacks())
	}
	if len(h.notifications(notify.TemplateVerification)) != 0 {
		t.Error("no notification should be queued")
	}
}

// ---------------------------------------------------------------------------
// VerifyEmail
// ---------------------------------------------------------------------------

func TestVerifyEmail_Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.register(t, "a@x.com")
	tok := h.onlyToken(t, view.ID)

	if err := h.svc.VerifyEmail(ctx, uuid.NewString()); !errors.Is(err, verification.ErrTokenNotFound) {
		t.Fatalf("wrong token: expected ErrTokenNotFound, got %v", err)
	}
	if err := h.svc.VerifyEmail(ctx, tok); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if !h.account(t, "a@x.com").IsEmailVerified {
		t.Error("account should be verified")
	}
	if len(h.notifications(notify.TemplateWelcome)) != 1 {
		t.Error("expected one welcome email")
	}
	for i := 0; i < 3; i++ {
		if err := h.svc.VerifyEmail(ctx, tok); !errors.Is(err, verification.ErrTokenAlreadyUsed) {
			t.Fatalf("reuse %d: expected ErrTokenAlreadyUsed, got %v", i, err)
		}
	}
}

func TestVerifyEmail_ConcurrentRedeemOneWins(t *testing.T) {
	h := newHarness(t)
	view := h.register(t, "a@x.com")
	tok := h.onlyToken(t, view.ID)

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.svc.VerifyEmail(context.Background(), tok)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, verification.ErrTokenAlreadyUsed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one success, got %d", wins)
	}
	if len(h.notifications(notify.TemplateWelcome)) != 1 {
		t.Errorf("expected one welcome email, got %d", len(h.notifications(notify.TemplateWelcome)))
	}
}

// ---------------------------------------------------------------------------
// ResendVerification
// ---------------------------------------------------------------------------

func TestResendVerification_SameAnswerForEveryone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	unverified := h.register(t, "new@x.com")
	verified := h.register(t, "done@x.com")
	if err := h.svc.VerifyEmail(ctx, h.onlyToken(t, verified.ID)); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	oldToken := h.onlyToken(t, unverified.ID)

	answers := map[string]string{
		"unknown":    h.svc.ResendVerification(ctx, "ghost@x.com"),
		"verified":   h.svc.ResendVerification(ctx, "done@x.com"),
		"unverified": h.svc.ResendVerification(ctx, "NEW@x.com"),
		"malformed":  h.svc.ResendVerification(ctx, "not an email"),
	}
	for who, got := range answers {
		if got != ResendMessage {
			t.Errorf("%s: got %q", who, got)
		}
	}

	newToken := h.onlyToken(t, unverified.ID)
	if newToken == oldToken {
		t.Error("expected the old token to be replaced")
	}
	if err := h.svc.VerifyEmail(ctx, oldToken); !errors.Is(err, verification.ErrTokenNotFound) {
		t.Errorf("old token: expected ErrTokenNotFound, got %v", err)
	}
	sent := h.notifications(notify.TemplateVerification)
	// Two from registration, one from the resend.
	if len(sent) != 3 || sent[2].Token != newToken {
		t.Errorf("unexpected verification emails: %+v", sent)
	}
}

func TestResendVerification_InternalFailureStillBenign(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com")
	h.mem.FailOn("Accounts.GetByEmail", errors.New("connection reset"))

	if got := h.svc.ResendVerification(context.Background(), "a@x.com"); got != ResendMessage {
		t.Errorf("got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Google sign-in
// ---------------------------------------------------------------------------

func TestGoogleCallback_CreatesThenReconciles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.svc.GoogleCallback(ctx, "code-1", "")
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		t.Fatalf("expected credentials, got %+v", pair)
	}
	acc := h.account(t, "ann@example.com")
	if !acc.IsEmailVerified || acc.RegistrationMethod != models.RegistrationGoogle || acc.HasPassword() {
		t.Errorf("unexpected account %+v", acc)
	}
	if acc.LastLogin == nil {
		t.Error("expected last_login to be set")
	}

	h.provider.set(func(g *fakeGoogle) { g.name = "Ann L."; g.givenName = "Annie" })
	if _, err := h.svc.GoogleCallback(ctx, "code-2", ""); err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if h.mem.AccountCount() != 1 || h.mem.ProfileCount() != 1 {
		t.Errorf("expected 1 account and 1 profile, got %d and %d", h.mem.AccountCount(), h.mem.ProfileCount())
	}
	view, err := h.svc.Profile(ctx, acc.ID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if view.Profile.DisplayName != "Ann L." || view.Profile.FirstName != "Annie" {
		t.Errorf("expected refreshed names, got %+v", view.Profile)
	}
	if n := len(h.notifications(notify.TemplateWelcome)); n != 1 {
		t.Errorf("expected one welcome email, got %d", n)
	}
}

func TestGoogleCallback_VerifiesExistingPasswordAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.register(t, "ann@example.com")
	pending := h.onlyToken(t, view.ID)

	if _, err := h.svc.GoogleCallback(ctx, "code", ""); err != nil {
		t.Fatalf("callback: %v", err)
	}
	acc := h.account(t, "ann@example.com")
	if !acc.IsEmailVerified || acc.RegistrationMethod != models.RegistrationEmail {
		t.Errorf("expected verified email account, got %+v", acc)
	}
	if len(h.notifications(notify.TemplateWelcome)) != 0 {
		t.Error("welcome email is only for new accounts")
	}

	// The password was set before anyone proved control of the address.
	if acc.HasPassword() {
		t.Error("expected the unverified password to be removed")
	}
	if _, err := h.svc.Login(ctx, "ann@example.com", "pw1-long-enough"); !errors.Is(err, credentials.ErrInvalidCredentials) {
		t.Errorf("login with pre-existing password: expected ErrInvalidCredentials, got %v", err)
	}
	if err := h.svc.VerifyEmail(ctx, pending); !errors.Is(err, verification.ErrTokenNotFound) {
		t.Errorf("pending link: expected ErrTokenNotFound, got %v", err)
	}
}

func TestGoogleCallback_KeepsVerifiedPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.register(t, "ann@example.com")
	if err := h.svc.VerifyEmail(ctx, h.onlyToken(t, view.ID)); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	if _, err := h.svc.GoogleCallback(ctx, "code", ""); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if _, err := h.svc.Login(ctx, "ann@example.com", "pw1-long-enough"); err != nil {
		t.Errorf("verified owner's password should keep working: %v", err)
	}
}

func TestGoogleCallback_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("provider denied", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.svc.GoogleCallback(ctx, "", "access_denied"); !errors.Is(err, oauth.ErrProviderError) {
			t.Errorf("expected ErrProviderError, got %v", err)
		}
	})
	t.Run("missing code", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.svc.GoogleCallback(ctx, "", ""); !errors.Is(err, ErrMissingCode) {
			t.Errorf("expected ErrMissingCode, got %v", err)
		}
	})
	t.Run("exchange rejected", func(t *testing.T) {
		h := newHarness(t)
		h.provider.set(func(g *fakeGoogle) { g.tokenStatus = http.StatusBadRequest })
		if _, err := h.svc.GoogleCallback(ctx, "code", ""); !errors.Is(err, oauth.ErrCodeExchangeFailed) {
			t.Errorf("expected ErrCodeExchangeFailed, got %v", err)
		}
	})
	t.Run("userinfo down", func(t *testing.T) {
		h := newHarness(t)
		h.provider.set(func(g *fakeGoogle) { g.userInfoStatus = http.StatusInternalServerError })
		if _, err := h.svc.GoogleCallback(ctx, "code", ""); !errors.Is(err, oauth.ErrUserInfoFetchFailed) {
			t.Errorf("expected ErrUserInfoFetchFailed, got %v", err)
		}
		if h.mem.AccountCount() != 0 {
			t.Error("no account should be created")
		}
	})
	t.Run("inactive account", func(t *testing.T) {
		h := newHarness(t)
		h.mem.PutAccount(&models.Account{ID: uuid.New(), Email: "ann@example.com", Tier: models.TierFree})
		if _, err := h.svc.GoogleCallback(ctx, "code", ""); !errors.Is(err, credentials.ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})
	t.Run("not configured", func(t *testing.T) {
		svc := NewService(Deps{})
		if _, err := svc.GoogleLoginURL(); !errors.Is(err, ErrGoogleDisabled) {
			t.Errorf("expected ErrGoogleDisabled, got %v", err)
		}
		if _, err := svc.GoogleCallback(ctx, "code", ""); !errors.Is(err, ErrGoogleDisabled) {
			t.Errorf("expected ErrGoogleDisabled, got %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Login and refresh
// ---------------------------------------------------------------------------

func TestLogin_DoesNotRequireVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view := h.register(t, "a@x.com")

	pair, err := h.svc.Login(ctx, "A@X.COM", "pw1-long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, err := h.issuer.Verify(ctx, pair.Access)
	if err != nil || id != view.ID {
		t.Errorf("access token should name the account: id=%s err=%v", id, err)
	}
	if h.account(t, "a@x.com").LastLogin == nil {
		t.Error("expected last_login to be set")
	}
}

func TestLogin_GenericFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com")

	for _, tc := range []struct{ email, password string }{
		{"a@x.com", "wrong-password"},
		{"ghost@x.com", "pw1-long-enough"},
		{"", ""},
	} {
		if _, err := h.svc.Login(context.Background(), tc.email, tc.password); !errors.Is(err, credentials.ErrInvalidCredentials) {
			t.Errorf("Login(%q): expected ErrInvalidCredentials, got %v", tc.email, err)
		}
	}
}

func TestRefreshToken_RotatesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "a@x.com")
	pair, err := h.svc.Login(ctx, "a@x.com", "pw1-long-enough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := h.svc.RefreshToken(ctx, pair.Refresh)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if next.Refresh == pair.Refresh {
		t.Error("expected a new refresh token")
	}
	if _, err := h.svc.RefreshToken(ctx, pair.Refresh); !errors.Is(err, tokens.ErrInvalidOrExpired) {
		t.Errorf("replay: expected ErrInvalidOrExpired, got %v", err)
	}
	if _, err := h.svc.RefreshToken(ctx, next.Refresh); err != nil {
		t.Errorf("rotated token should work: %v", err)
	}
}

func TestRefreshToken_FourDaysOld(t *testing.T) {
	h := newHarness(t)
	old := h.issuer.WithClock(func() time.Time { return time.Now().Add(-96 * time.Hour) })
	pair, err := old.Issue(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := h.svc.RefreshToken(context.Background(), pair.Refresh); !errors.Is(err, tokens.ErrInvalidOrExpired) {
		t.Errorf("expected ErrInvalidOrExpired, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Profile
// ---------------------------------------------------------------------------

func TestProfile_LazyCreationAndPartialUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := &models.Account{ID: uuid.New(), Email: "legacy@x.com", IsActive: true, Tier: models.TierBasic}
	h.mem.PutAccount(acc)

	view, err := h.svc.Profile(ctx, acc.ID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if view.Email != acc.Email || view.Profile.Bio != "" {
		t.Errorf("unexpected view %+v", view)
	}
	if h.mem.ProfileCount() != 0 {
		t.Error("reading must not create a profile")
	}

	bio, site := "Bakes bread.", "https://bread.example"
	if _, err := h.svc.UpdateProfile(ctx, acc.ID, ProfileInput{Bio: &bio}); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	view, err = h.svc.UpdateProfile(ctx, acc.ID, ProfileInput{Website: &site})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if view.Profile.Bio != bio || view.Profile.Website != site {
		t.Errorf("expected both fields kept, got %+v", view.Profile)
	}
	if h.mem.ProfileCount() != 1 {
		t.Errorf("expected 1 profile, got %d", h.mem.ProfileCount())
	}
}
