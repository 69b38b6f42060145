package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix = "Bearer "

	// slogKeyError is the slog attribute key for error values.
	slogKeyError = "error"
)

// VerifierConfig configures request authentication.
type VerifierConfig struct {
	// SigningKey, when set, enables HMAC signature verification of bearer
	// tokens. When empty, tokens are parsed without signature verification
	// (claims extraction only, for deployments that terminate auth upstream).
	SigningKey []byte

	// Issuer, when set, is required to match the token's iss claim.
	Issuer string

	// APIKeys are accepted via the X-API-Key header.
	APIKeys []APIKey

	// AllowAnonymous lets requests without credentials through with no
	// identity attached.
	AllowAnonymous bool
}

// Verifier authenticates gateway requests from bearer tokens or API keys.
type Verifier struct {
	cfg     VerifierConfig
	apiKeys *APIKeyVerifier
}

// NewVerifier creates a request verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	apiKeys, err := NewAPIKeyVerifier(cfg.APIKeys)
	if err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg, apiKeys: apiKeys}, nil
}

// Authenticate resolves the request's credentials to an identity. A nil
// identity with a nil error means an allowed anonymous request.
func (v *Verifier) Authenticate(r *http.Request) (*Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		id, ok := v.apiKeys.Verify(key)
		if !ok {
			return nil, fmt.Errorf("invalid API key")
		}
		return id, nil
	}

	authz := r.Header.Get("Authorization")
	if authz == "" {
		if v.cfg.AllowAnonymous {
			return nil, nil
		}
		return nil, fmt.Errorf("missing credentials")
	}
	if !strings.HasPrefix(authz, bearerPrefix) {
		return nil, fmt.Errorf("unsupported authorization scheme")
	}

	claims, err := v.parseToken(strings.TrimPrefix(authz, bearerPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	id, ok := IdentityFromClaims(claims)
	if !ok {
		return nil, fmt.Errorf("token has no usable subject claim")
	}
	return &id, nil
}

// parseToken extracts claims, verifying the signature when a key is
// configured.
func (v *Verifier) parseToken(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	if len(v.cfg.SigningKey) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("parsing token: %w", err)
		}
	} else {
		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
		if v.cfg.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
		}
		_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return v.cfg.SigningKey, nil
		})
		if err != nil {
			return nil, fmt.Errorf("verifying token: %w", err)
		}
	}
	return claims, nil
}

// Middleware authenticates each request and attaches the resolved identity
// to its context. Failed authentication is a 401; anonymous requests pass
// through with no identity when allowed.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Authenticate(r)
			if err != nil {
				slog.Debug("auth: rejected request", slogKeyError, err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if id != nil {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}
