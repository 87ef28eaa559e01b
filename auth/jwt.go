package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/chatfanout/internal/jwtauth"
)

// Option configures the claim policy of the JWT authenticators.
type Option func(*jwtauth.Config)

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"] for key-set verifiers and ["HS256"] for NewHMAC.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAudience requires the aud claim to contain one of audiences.
func WithAudience(audiences ...string) Option {
	return func(c *jwtauth.Config) { c.Audiences = append([]string(nil), audiences...) }
}

// WithAccessTokenType requires the RFC 9068 "at+jwt" typ header.
func WithAccessTokenType() Option {
	return func(c *jwtauth.Config) { c.RequireTyp = "at+jwt" }
}

func config(issuer string, opts []Option) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewHMAC returns an Authenticator for tokens signed with a shared secret,
// as issued by a first-party login service. issuer may be empty to skip the
// iss check.
func NewHMAC(secret, issuer string, opts ...Option) (Authenticator, error) {
	v, err := jwtauth.NewHMAC([]byte(secret), config(issuer, opts))
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewStatic returns an Authenticator for tokens signed by the keys published
// at jwksURL, with a fixed issuer and audience.
func NewStatic(ctx context.Context, issuer, audience, jwksURL string, opts ...Option) (Authenticator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := config(issuer, append([]Option{WithAudience(audience)}, opts...))
	v, err := jwtauth.NewJWKS(ctx, jwksURL, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewFromDiscovery returns an Authenticator whose keys and issuer are
// learned from the issuer's OIDC discovery document.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...Option) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := config(issuer, append([]Option{WithAudience(audience)}, opts...))
	v, err := jwtauth.NewFromDiscovery(ctx, issuer, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.v.Verify(tok)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
