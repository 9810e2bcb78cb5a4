// Package signer turns assembled claim sets into signed JWT responses. It is
// the only package that touches signing keys.
package signer

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ifmis.org/internal/identity"
	"ifmis.org/internal/ids"
)

const defaultAccessTTL = 15 * time.Minute

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Signer mints access and identity tokens from claim sets. It signs with
// RS256 when RSA keys are configured and falls back to HS256 with a shared
// secret otherwise.
type Signer struct {
	issuer    string
	accessTTL time.Duration
	now       func() time.Time

	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
}

var _ identity.TokenSigner = (*Signer)(nil)

// Option configures Signer behavior.
type Option func(*Signer) error

// WithIssuer sets the iss claim embedded into every token.
func WithIssuer(issuer string) Option {
	return func(s *Signer) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Signer) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithSecret enables HS256 signing with the provided shared secret.
func WithSecret(secret string) Option {
	return func(s *Signer) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithRS256Key enables RS256 signing with a PEM-encoded RSA private key.
func WithRS256Key(privatePEM string) Option {
	return func(s *Signer) error {
		privatePEM = strings.TrimSpace(privatePEM)
		if privatePEM == "" {
			return errors.New("signer: private key is required")
		}
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("signer: parse private key: %w", err)
		}
		s.privateKey = priv
		s.publicKey = &priv.PublicKey
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) Option {
	return func(s *Signer) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Signer) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// New constructs a Signer. At least one of WithSecret or WithRS256Key must
// be supplied.
func New(opts ...Option) (*Signer, error) {
	s := &Signer{
		accessTTL: defaultAccessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.privateKey == nil && len(s.secret) == 0 {
		return nil, errors.New("signer: no signing key configured")
	}
	return s, nil
}

// Sign mints the access token and the identity token for the claim set and
// returns a wire-shaped token response.
func (s *Signer) Sign(ctx context.Context, claims []identity.Claim, scopes []string) (identity.TokenResponse, error) {
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)

	access := s.baseClaims(now, exp)
	access["scope"] = strings.Join(scopes, " ")
	mergeClaims(access, claims, identity.DestinationAccessToken)
	accessToken, err := s.signPayload(access)
	if err != nil {
		return identity.TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	id := s.baseClaims(now, exp)
	mergeClaims(id, claims, identity.DestinationIdentityToken)
	idToken, err := s.signPayload(id)
	if err != nil {
		return identity.TokenResponse{}, fmt.Errorf("sign id token: %w", err)
	}

	return identity.TokenResponse{
		AccessToken: accessToken,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(exp.Sub(now).Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// ParseAndValidate verifies the token signature, issuer and expiry and
// returns the decoded claims.
func (s *Signer) ParseAndValidate(token string) (jwt.MapClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithIssuedAt()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		switch t.Method {
		case jwt.SigningMethodRS256:
			if s.publicKey == nil {
				return nil, ErrInvalidToken
			}
			return s.publicKey, nil
		case jwt.SigningMethodHS256:
			if len(s.secret) == 0 {
				return nil, ErrInvalidToken
			}
			return s.secret, nil
		default:
			return nil, ErrInvalidToken
		}
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Signer) baseClaims(now, exp time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(exp),
		"jti": ids.New(),
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	return claims
}

func (s *Signer) signPayload(payload jwt.MapClaims) (string, error) {
	var token *jwt.Token
	if s.privateKey != nil {
		token = jwt.NewWithClaims(jwt.SigningMethodRS256, payload)
		if s.keyID != "" {
			token.Header["kid"] = s.keyID
		}
		return token.SignedString(s.privateKey)
	}
	token = jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	return token.SignedString(s.secret)
}

// mergeClaims folds the claims destined for the given token type into the
// payload. Repeated claim types (audiences, roles) become JSON arrays.
func mergeClaims(payload jwt.MapClaims, claims []identity.Claim, destination string) {
	for _, claim := range claims {
		if !hasDestination(claim, destination) {
			continue
		}
		existing, ok := payload[claim.Type]
		if !ok {
			payload[claim.Type] = claim.Value
			continue
		}
		switch v := existing.(type) {
		case string:
			payload[claim.Type] = []string{v, claim.Value}
		case []string:
			payload[claim.Type] = append(v, claim.Value)
		default:
			payload[claim.Type] = claim.Value
		}
	}
}

func hasDestination(claim identity.Claim, destination string) bool {
	for _, d := range claim.Destinations {
		if d == destination {
			return true
		}
	}
	return false
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}
