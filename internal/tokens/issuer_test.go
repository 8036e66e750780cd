package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/recipebox/backend/internal/models"
	"github.com/recipebox/backend/internal/testkit"
)

var testSecret = []byte("test-secret")

func newTestIssuer(now time.Time) (*Issuer, *testkit.Store, *testkit.DB) {
	mem := testkit.NewStore()
	db := &testkit.DB{}
	return NewIssuer(db, mem.RefreshTokens(), mem.Accounts(), testSecret).WithClock(func() time.Time { return now }), mem, db
}

func putAccount(mem *testkit.Store, active bool) uuid.UUID {
	id := uuid.New()
	mem.PutAccount(&models.Account{ID: id, Email: id.String() + "@example.com", IsActive: active})
	return id
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Now()
	iss, mem, _ := newTestIssuer(now)
	ctx := context.Background()
	accountID := uuid.New()

	pair, err := iss.Issue(ctx, accountID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.Access == "" || pair.Refresh == "" || pair.Access == pair.Refresh {
		t.Fatalf("unexpected pair %+v", pair)
	}
	if mem.RefreshTokenCount() != 1 {
		t.Errorf("expected refresh token recorded, got %d", mem.RefreshTokenCount())
	}

	got, err := iss.Verify(ctx, pair.Access)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != accountID {
		t.Errorf("expected %s, got %s", accountID, got)
	}

	if _, err := iss.Verify(ctx, pair.Refresh); !errors.Is(err, ErrInvalidOrExpired) {
		t.Errorf("refresh token as access: expected ErrInvalidOrExpired, got %v", err)
	}
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Now()
	iss, _, _ := newTestIssuer(now)
	ctx := context.Background()

	pair, err := iss.Issue(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	otherKey := NewIssuer(&testkit.DB{}, testkit.NewStore().RefreshTokens(), testkit.NewStore().Accounts(), []byte("other"))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString(), ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		Type:             typeAccess,
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	cases := []struct {
		name string
		iss  *Issuer
		raw  string
	}{
		{"garbage", iss, "not-a-jwt"},
		{"wrong key", otherKey, pair.Access},
		{"alg none", iss, unsigned},
		{"expired access", iss.WithClock(func() time.Time { return now.Add(AccessTTL + time.Second) }), pair.Access},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.iss.Verify(ctx, tc.raw); !errors.Is(err, ErrInvalidOrExpired) {
				t.Fatalf("expected ErrInvalidOrExpired, got %v", err)
			}
		})
	}
}

func TestRefresh_RotatesOnce(t *testing.T) {
	now := time.Now()
	iss, mem, db := newTestIssuer(now)
	ctx := context.Background()
	accountID := putAccount(mem, true)

	first, err := iss.Issue(ctx, accountID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := iss.Refresh(ctx, first.Refresh)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.Refresh == first.Refresh {
		t.Fatal("expected a new refresh token")
	}
	if got, err := iss.Verify(ctx, second.Access); err != nil || got != accountID {
		t.Fatalf("new access token: %s, %v", got, err)
	}
	if mem.RefreshTokenCount() != 2 {
		t.Errorf("expected 2 refresh rows, got %d", mem.RefreshTokenCount())
	}

	// Replay of the rotated token fails even though it is signed and unexpired.
	if _, err := iss.Refresh(ctx, first.Refresh); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("replay: expected ErrInvalidOrExpired, got %v", err)
	}
	if db.Rollbacks() != 1 {
		t.Errorf("expected failed rotation to roll back, got %d rollbacks", db.Rollbacks())
	}

	if _, err := iss.Refresh(ctx, second.Refresh); err != nil {
		t.Fatalf("refresh with rotated-in token: %v", err)
	}
}

func TestRefresh_FourDaysOld(t *testing.T) {
	issued := time.Now().Add(-96 * time.Hour)
	iss, mem, _ := newTestIssuer(issued)
	ctx := context.Background()

	pair, err := iss.Issue(ctx, putAccount(mem, true))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	current := iss.WithClock(time.Now)
	if _, err := current.Refresh(ctx, pair.Refresh); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expected ErrInvalidOrExpired, got %v", err)
	}
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	iss, _, _ := newTestIssuer(time.Now())
	ctx := context.Background()

	pair, err := iss.Issue(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := iss.Refresh(ctx, pair.Access); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expected ErrInvalidOrExpired, got %v", err)
	}
}

func TestRefresh_RejectsUnusableAccount(t *testing.T) {
	iss, mem, _ := newTestIssuer(time.Now())
	ctx := context.Background()

	inactive := putAccount(mem, false)
	cases := map[string]uuid.UUID{
		"deleted":  uuid.New(),
		"inactive": inactive,
	}
	for name, accountID := range cases {
		t.Run(name, func(t *testing.T) {
			pair, err := iss.Issue(ctx, accountID)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if _, err := iss.Refresh(ctx, pair.Refresh); !errors.Is(err, ErrInvalidOrExpired) {
				t.Fatalf("expected ErrInvalidOrExpired, got %v", err)
			}
		})
	}
}

func TestRefresh_AccountDeletedDuringRotation(t *testing.T) {
	iss, mem, _ := newTestIssuer(time.Now())
	ctx := context.Background()

	pair, err := iss.Issue(ctx, putAccount(mem, true))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	mem.FailOn("RefreshTokens.CreateTx", &pgconn.PgError{Code: "23503", ConstraintName: "refresh_tokens_account_id_fkey"})
	if _, err := iss.Refresh(ctx, pair.Refresh); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expected ErrInvalidOrExpired, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	issued := time.Now().Add(-96 * time.Hour)
	iss, mem, _ := newTestIssuer(issued)
	ctx := context.Background()

	if _, err := iss.Issue(ctx, uuid.New()); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := iss.WithClock(time.Now).Issue(ctx, uuid.New()); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	n, err := iss.Purge(ctx, time.Now())
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 || mem.RefreshTokenCount() != 1 {
		t.Fatalf("expected one expired row purged, got n=%d remaining=%d", n, mem.RefreshTokenCount())
	}
}
