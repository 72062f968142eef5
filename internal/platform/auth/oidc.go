package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	cookieState    = "flowgate_oidc_state"
	cookieVerifier = "flowgate_oidc_verifier"
	cookieNonce    = "flowgate_oidc_nonce"
	cookieReturnTo = "flowgate_return_to"
)

// OIDCService verifies bearer or session ID tokens and serves the
// authorization-code login flow with PKCE.
type OIDCService struct {
	cfg          Config
	verifier     *oidc.IDTokenVerifier
	oauth2Config oauth2.Config
}

func NewOIDCService(ctx context.Context, cfg Config) (*OIDCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return &OIDCService{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		oauth2Config: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		},
	}, nil
}

func (s *OIDCService) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		rawToken = tokenFromCookie(r, s.cfg.SessionCookieName)
	}
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return identityFromClaims(claims, s.cfg), nil
}

func (s *OIDCService) LoginHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		values := make([]string, 3)
		for i := range values {
			v, err := randomBase64URL(32)
			if err != nil {
				httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
				return
			}
			values[i] = v
		}
		state, verifier, nonce := values[0], values[1], values[2]

		setCookie(w, cookieState, state, 10*time.Minute, s.cfg)
		setCookie(w, cookieVerifier, verifier, 10*time.Minute, s.cfg)
		setCookie(w, cookieNonce, nonce, 10*time.Minute, s.cfg)
		setCookie(w, cookieReturnTo, safeReturnTo(r.URL.Query().Get("return_to")), 10*time.Minute, s.cfg)

		redirectURL := s.oauth2Config.AuthCodeURL(
			state,
			oauth2.AccessTypeOnline,
			oauth2.S256ChallengeOption(verifier),
			oauth2.SetAuthURLParam("nonce", nonce),
		)
		http.Redirect(w, r, redirectURL, http.StatusFound)
	}, nil
}

func (s *OIDCService) CallbackHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		stateQuery := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if stateQuery == "" || code == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "missing_code_or_state")
			return
		}
		if stateCookie := tokenFromCookie(r, cookieState); stateCookie == "" || stateCookie != stateQuery {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_state")
			return
		}

		codeVerifier := tokenFromCookie(r, cookieVerifier)
		nonceCookie := tokenFromCookie(r, cookieNonce)
		if codeVerifier == "" || nonceCookie == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "missing_pkce_or_nonce")
			return
		}

		exchangeCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		token, err := s.oauth2Config.Exchange(exchangeCtx, code, oauth2.VerifierOption(codeVerifier))
		if err != nil {
			httpserver.WriteError(w, r, http.StatusUnauthorized, "token_exchange_failed")
			return
		}
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			httpserver.WriteError(w, r, http.StatusUnauthorized, "missing_id_token")
			return
		}
		idToken, err := s.verifier.Verify(exchangeCtx, rawIDToken)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusUnauthorized, "invalid_id_token")
			return
		}
		if idToken.Nonce == "" || idToken.Nonce != nonceCookie {
			httpserver.WriteError(w, r, http.StatusUnauthorized, "invalid_nonce")
			return
		}

		setCookie(w, s.cfg.SessionCookieName, rawIDToken, s.cfg.SessionCookieMaxAge, s.cfg)
		for _, name := range []string{cookieState, cookieVerifier, cookieNonce, cookieReturnTo} {
			clearCookie(w, name, s.cfg)
		}
		http.Redirect(w, r, safeReturnTo(tokenFromCookie(r, cookieReturnTo)), http.StatusFound)
	}, nil
}

func (s *OIDCService) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clearCookie(w, s.cfg.SessionCookieName, s.cfg)
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func identityFromClaims(claims map[string]any, cfg Config) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := claims[cfg.EmailClaim].(string)
	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   extractRolesClaim(claims, cfg.RolesClaim),
	}
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func tokenFromCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomBase64URL(nBytes int) (string, error) {
	if nBytes <= 0 {
		return "", errors.New("nBytes must be positive")
	}
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func safeReturnTo(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func clearCookie(w http.ResponseWriter, name string, cfg Config) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.SessionCookieSecure,
		SameSite: parseSameSite(cfg.SessionCookieSameSite),
	})
}

func setCookie(w http.ResponseWriter, name string, value string, ttl time.Duration, cfg Config) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   cfg.SessionCookieSecure,
		SameSite: parseSameSite(cfg.SessionCookieSameSite),
	})
}

func parseSameSite(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func extractRolesClaim(claims map[string]any, key string) []string {
	var raw []string
	switch typed := claims[key].(type) {
	case []any:
		for _, item := range typed {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = typed
	case string:
		raw = strings.Split(typed, ",")
	default:
		return nil
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
