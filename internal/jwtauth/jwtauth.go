// Package jwtauth verifies signed JWT bearer tokens. Keys come from a shared
// HMAC secret, a JWKS URL, or a JWKS URL learned through OIDC discovery; the
// claim checks are the same in every case.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized wraps every verification failure.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config is the claim policy applied to every token.
type Config struct {
	// Issuer must equal the iss claim when set.
	Issuer string
	// Audiences, when non-empty, must intersect the aud claim.
	Audiences []string
	// AllowedAlgs lists the accepted signing algorithms. "none" is never
	// accepted.
	AllowedAlgs []string
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration
	// RequireTyp, when set, must equal the typ header (for example
	// "at+jwt" for RFC 9068 access tokens).
	RequireTyp string
}

// DefaultConfig accepts RS256 with a minute of leeway.
func DefaultConfig() *Config {
	return &Config{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

// UserInfo carries the subject and raw claims of a verified token.
type UserInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *UserInfo) UserID() string { return u.sub }

// Claims decodes the token claims into ref.
func (u *UserInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier checks tokens against a Config and a key source.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

func newVerifier(cfg *Config, keys jwt.Keyfunc) (*Verifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.AllowedAlgs = slices.DeleteFunc(slices.Clone(c.AllowedAlgs), func(a string) bool { return a == "none" })
	if len(c.AllowedAlgs) == 0 {
		return nil, errors.New("at least one signing algorithm is required")
	}
	return &Verifier{cfg: c, keyfunc: keys}, nil
}

// NewHMAC verifies tokens signed with a shared secret. AllowedAlgs defaults
// to HS256 when cfg lists none of the HMAC algorithms.
func NewHMAC(secret []byte, cfg *Config) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	hmacAlgs := []string{"HS256", "HS384", "HS512"}
	c.AllowedAlgs = slices.DeleteFunc(slices.Clone(c.AllowedAlgs), func(a string) bool { return !slices.Contains(hmacAlgs, a) })
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"HS256"}
	}
	return newVerifier(&c, func(*jwt.Token) (any, error) { return secret, nil })
}

// NewJWKS verifies tokens against the keys published at jwksURL. Keys are
// refreshed in the background until ctx is cancelled.
func NewJWKS(ctx context.Context, jwksURL string, cfg *Config) (*Verifier, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(cfg, kf.Keyfunc)
}

// NewFromDiscovery resolves the issuer's jwks_uri through OIDC discovery and
// verifies tokens against it. The discovered issuer replaces cfg.Issuer.
func NewFromDiscovery(ctx context.Context, issuer string, cfg *Config) (*Verifier, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.Issuer = meta.Issuer
	return NewJWKS(ctx, meta.JwksURI, &c)
}

// Verify parses tok and applies the claim policy.
func (v *Verifier) Verify(tok string) (*UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if v.cfg.RequireTyp != "" {
		if typ, _ := parsed.Header["typ"].(string); typ != v.cfg.RequireTyp && typ != "application/"+v.cfg.RequireTyp {
			return nil, fmt.Errorf("%w: invalid typ; want %s", ErrUnauthorized, v.cfg.RequireTyp)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(v.cfg.Audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &UserInfo{sub: sub, claims: claims}, nil
}
