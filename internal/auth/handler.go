package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/recipebox/backend/internal/credentials"
	"github.com/recipebox/backend/internal/middleware"
	"github.com/recipebox/backend/internal/oauth"
	"github.com/recipebox/backend/internal/tokens"
	"github.com/recipebox/backend/internal/validate"
	"github.com/recipebox/backend/internal/verification"
)

// Client-facing messages. Credential failures share one message so callers
// cannot tell a wrong password from an unknown email.
const (
	msgInvalidCredentials = "No active account found with the given credentials."
	msgInvalidToken       = "Token is invalid or expired."
	msgVerified           = "Email verified successfully."
	msgTokenNotFound      = "Invalid verification link."
	msgTokenExpired       = "This verification link has expired. Please request a new one."
	msgTokenUsed          = "This verification link has already been used."
	msgProviderFailed     = "Google sign-in failed. Please try again."
	msgProviderFetch      = "Could not fetch your Google profile. Please try again later."
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

type ResendRequest struct {
	Email string `json:"email"`
}

type Handler struct {
	svc       Service
	validator *validate.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, validator *validate.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

// POST /api/v1/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if !h.decode(w, r, validate.Register, &req) {
		return
	}
	view, err := h.svc.Register(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, view)
	case errors.Is(err, credentials.ErrDuplicateEmail):
		writeFieldError(w, "email", "An account with this email already exists.")
	case errors.Is(err, credentials.ErrInvalidEmail):
		writeFieldError(w, "email", "Enter a valid email address.")
	case errors.Is(err, credentials.ErrPasswordTooLong):
		writeFieldError(w, "password", "Ensure this field has no more than 72 bytes.")
	default:
		h.internalError(w, "register failed", err)
	}
}

// GET /api/v1/verify-email/{token}
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	err := h.svc.VerifyEmail(r.Context(), chi.URLParam(r, "token"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": msgVerified})
	case errors.Is(err, verification.ErrTokenNotFound):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgTokenNotFound})
	case errors.Is(err, verification.ErrTokenExpired):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgTokenExpired})
	case errors.Is(err, verification.ErrTokenAlreadyUsed):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgTokenUsed})
	default:
		h.internalError(w, "verify email failed", err)
	}
}

// POST /api/v1/resend-verification
func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req ResendRequest
	if !h.decode(w, r, validate.Resend, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": h.svc.ResendVerification(r.Context(), req.Email)})
}

// POST /api/v1/token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, validate.Login, &req) {
		return
	}
	pair, err := h.svc.Login(r.Context(), req.Email, req.Password)
	h.writePair(w, pair, err)
}

// POST /api/v1/token/refresh
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, validate.Refresh, &req) {
		return
	}
	pair, err := h.svc.RefreshToken(r.Context(), req.Refresh)
	h.writePair(w, pair, err)
}

// GET /api/v1/google/login
func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	url, err := h.svc.GoogleLoginURL()
	if err != nil {
		h.writeGoogleError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// GET /api/v1/google/callback
func (h *Handler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pair, err := h.svc.GoogleCallback(r.Context(), q.Get("code"), q.Get("error"))
	if err != nil {
		h.writeGoogleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// GET /api/v1/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msgInvalidToken})
		return
	}
	view, err := h.svc.Profile(r.Context(), acc.ID)
	if err != nil {
		h.internalError(w, "load profile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PATCH /api/v1/profile
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msgInvalidToken})
		return
	}
	var req ProfileInput
	if !h.decode(w, r, validate.Profile, &req) {
		return
	}
	view, err := h.svc.UpdateProfile(r.Context(), acc.ID, req)
	if err != nil {
		h.internalError(w, "update profile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// decode writes the 400 response itself and reports whether the handler may go on.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	err := h.validator.Decode(r.Body, schema, dst)
	if err == nil {
		return true
	}
	var ve *validate.Error
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": ve.Fields})
		return false
	}
	h.internalError(w, "decode request failed", err)
	return false
}

func (h *Handler) writePair(w http.ResponseWriter, pair tokens.Pair, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pair)
	case errors.Is(err, credentials.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msgInvalidCredentials})
	case errors.Is(err, tokens.ErrInvalidOrExpired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msgInvalidToken})
	default:
		h.internalError(w, "issue credentials failed", err)
	}
}

func (h *Handler) writeGoogleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrGoogleDisabled):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrMissingCode):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing authorization code."})
	case errors.Is(err, oauth.ErrCodeExchangeFailed), errors.Is(err, oauth.ErrProviderError),
		errors.Is(err, credentials.ErrInvalidEmail):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgProviderFailed})
	case errors.Is(err, oauth.ErrUserInfoFetchFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": msgProviderFetch})
	case errors.Is(err, credentials.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msgInvalidCredentials})
	default:
		h.internalError(w, "google sign-in failed", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeFieldError(w http.ResponseWriter, field, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"errors": validate.FieldError(field, msg).Fields})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
