package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/edvin/boosterclub/internal/api/response"
	"github.com/edvin/boosterclub/internal/backup"
)

type contextKey string

// TriggerSubjectKey holds the JWT subject of an authenticated trigger.
const TriggerSubjectKey contextKey = "trigger_subject"

// Trigger authentication modes.
const (
	TriggerModeJWT    = "jwt"
	TriggerModeHeader = "header"
)

// OperatorAuth returns a middleware that checks the X-API-Key header against
// the configured operator key. Both sides are hashed so the comparison is
// constant time regardless of length.
func OperatorAuth(apiKey string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			got := sha256.Sum256([]byte(key))
			if apiKey == "" || subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				response.WriteError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TriggerAuthConfig configures external trigger authentication.
type TriggerAuthConfig struct {
	// Mode is "jwt" (default) or "header".
	Mode   string
	Secret string
	Issuer string
	// Header and HeaderValue are only used in header mode. The value must
	// match exactly.
	Header      string
	HeaderValue string
}

// TriggerAuth rejects unauthenticated trigger requests with 401 before any
// work is done.
func TriggerAuth(cfg TriggerAuthConfig, logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "trigger-auth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				subject string
				err     error
			)
			switch cfg.Mode {
			case TriggerModeHeader:
				err = checkHeader(r, cfg)
			default:
				subject, err = checkToken(r, cfg)
			}
			if err != nil {
				authErr := &backup.AuthenticationError{Reason: err.Error()}
				logger.Warn().Str("remote_addr", r.RemoteAddr).Err(authErr).Msg("trigger rejected")
				response.WriteError(w, http.StatusUnauthorized, authErr.Error())
				return
			}
			ctx := context.WithValue(r.Context(), TriggerSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func checkHeader(r *http.Request, cfg TriggerAuthConfig) error {
	if cfg.Header == "" || cfg.HeaderValue == "" {
		return errors.New("header authentication is not configured")
	}
	got := r.Header.Get(cfg.Header)
	if got == "" {
		return errors.New("missing " + cfg.Header + " header")
	}
	gh := sha256.Sum256([]byte(got))
	wh := sha256.Sum256([]byte(cfg.HeaderValue))
	if subtle.ConstantTimeCompare(gh[:], wh[:]) != 1 {
		return errors.New("header value does not match")
	}
	return nil
}

func checkToken(r *http.Request, cfg TriggerAuthConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("token authentication is not configured")
	}
	raw := extractBearer(r)
	if raw == "" {
		return "", errors.New("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// extractBearer returns the token from "Authorization: Bearer <token>".
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// RateLimit rejects requests with 429 once limiter is exhausted.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "60")
				response.WriteError(w, http.StatusTooManyRequests, "too many trigger requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
