// Package oauth exchanges Google authorization codes for verified identity claims.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// GoogleUserInfoURL is the OpenID Connect userinfo endpoint.
const GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

const defaultTimeout = 10 * time.Second

var (
	ErrCodeExchangeFailed  = errors.New("authorization code exchange failed")
	ErrUserInfoFetchFailed = errors.New("user info fetch failed")
	ErrProviderError       = errors.New("identity provider error")
)

// ExternalIdentity holds the claims taken from the provider.
type ExternalIdentity struct {
	Subject     string
	Email       string
	DisplayName string
	GivenName   string
	FamilyName  string
}

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint and UserInfoURL default to Google.
	Endpoint    oauth2.Endpoint
	UserInfoURL string
	Timeout     time.Duration
}

type Linker struct {
	conf        *oauth2.Config
	userInfoURL string
	timeout     time.Duration
	client      *http.Client
	log         *slog.Logger
}

func NewLinker(cfg Config, log *slog.Logger) *Linker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint = endpoints.Google
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = GoogleUserInfoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Linker{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     cfg.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: cfg.UserInfoURL,
		timeout:     cfg.Timeout,
		client:      &http.Client{Timeout: cfg.Timeout},
		log:         log,
	}
}

// BeginAuthorization returns the provider consent URL. It makes no network call
// and returns the same URL for the same configuration.
func (l *Linker) BeginAuthorization() string {
	return l.conf.AuthCodeURL("", oauth2.AccessTypeOnline, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// ProviderDenied maps the error parameter of a callback to ErrProviderError.
func (l *Linker) ProviderDenied(errParam string) error {
	l.log.Warn("oauth provider returned error", "error_param", errParam)
	return fmt.Errorf("%w: %s", ErrProviderError, errParam)
}

type userInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

// CompleteAuthorization exchanges code for an access token and fetches the
// user's claims with it. Both calls share one deadline.
func (l *Linker) CompleteAuthorization(ctx context.Context, code string) (*ExternalIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, l.client)

	tok, err := l.conf.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			l.log.Warn("oauth code exchange rejected",
				"status", status, "error_code", re.ErrorCode, "body", string(re.Body))
		} else {
			l.log.Warn("oauth code exchange failed", "error", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrCodeExchangeFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfoFetchFailed, err)
	}
	resp, err := l.conf.Client(ctx, tok).Do(req)
	if err != nil {
		l.log.Warn("oauth userinfo request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUserInfoFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfoFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.log.Warn("oauth userinfo rejected", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("%w: status %d", ErrUserInfoFetchFailed, resp.StatusCode)
	}

	var info userInfo
	if err := json.Unmarshal(body, &info); err != nil {
		l.log.Warn("oauth userinfo undecodable", "error", err, "body", string(body))
		return nil, fmt.Errorf("%w: %v", ErrUserInfoFetchFailed, err)
	}
	if info.Email == "" {
		l.log.Warn("oauth userinfo missing email", "sub", info.Sub)
		return nil, fmt.Errorf("%w: no email in claims", ErrProviderError)
	}
	if info.EmailVerified != nil && !*info.EmailVerified {
		l.log.Warn("oauth email not verified by provider", "sub", info.Sub)
		return nil, fmt.Errorf("%w: email not verified", ErrProviderError)
	}

	return &ExternalIdentity{
		Subject:     info.Sub,
		Email:       info.Email,
		DisplayName: info.Name,
		GivenName:   info.GivenName,
		FamilyName:  info.FamilyName,
	}, nil
}
