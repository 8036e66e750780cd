package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recipebox/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubVerifier struct {
	tokens map[string]uuid.UUID
}

func (s *stubVerifier) Verify(_ context.Context, raw string) (uuid.UUID, error) {
	id, ok := s.tokens[raw]
	if !ok {
		return uuid.Nil, errors.New("invalid")
	}
	return id, nil
}

type stubAccounts struct {
	accounts map[uuid.UUID]*models.Account
}

func (s *stubAccounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return a, nil
}

// okHandler writes 200 and the account email (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if acc := AccountFromCtx(r.Context()); acc != nil {
		w.Write([]byte(acc.Email))
	}
})

func fixtures() (*stubVerifier, *stubAccounts) {
	active := &models.Account{ID: uuid.New(), Email: "a@x.com", IsActive: true}
	inactive := &models.Account{ID: uuid.New(), Email: "off@x.com"}
	staff := &models.Account{ID: uuid.New(), Email: "staff@x.com", IsActive: true, IsStaff: true}
	v := &stubVerifier{tokens: map[string]uuid.UUID{
		"good":     active.ID,
		"inactive": inactive.ID,
		"staff":    staff.ID,
		"orphan":   uuid.New(),
	}}
	accounts := &stubAccounts{accounts: map[uuid.UUID]*models.Account{
		active.ID:   active,
		inactive.ID: inactive,
		staff.ID:    staff,
	}}
	return v, accounts
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRequireAccessToken_Valid(t *testing.T) {
	v, accounts := fixtures()
	mw := RequireAccessToken(v, accounts)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != "a@x.com" {
		t.Errorf("expected account email in body, got %q", body)
	}
}

func TestRequireAccessToken_Rejects(t *testing.T) {
	v, accounts := fixtures()
	mw := RequireAccessToken(v, accounts)(okHandler)

	cases := []struct {
		name   string
		header string
	}{
		{"no header at all", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic abc123"},
		{"unknown token", "Bearer nope"},
		{"inactive account", "Bearer inactive"},
		{"deleted account", "Bearer orphan"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestRequireStaff(t *testing.T) {
	v, accounts := fixtures()
	chain := RequireAccessToken(v, accounts)(RequireStaff(okHandler))

	cases := []struct {
		token string
		want  int
	}{
		{"staff", http.StatusOK},
		{"good", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.token, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			rec := httptest.NewRecorder()
			chain.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	RequireStaff(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without account: expected 401, got %d", rec.Code)
	}
}
