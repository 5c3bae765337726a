// Package challenge implements the Otoroshi challenge/response handshake.
//
// The gateway sends a state value in a request header. The backend (or the
// sidecar in front of it) must return a matching value in a response header:
// the value itself for V1, a freshly signed JWT carrying the state for V2.
package challenge

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is the only accepted "iss" of incoming V2 tokens, and the "aud" of
	// the tokens we sign.
	Issuer = "Otoroshi"

	DefaultTTL = 30 * time.Second

	// Leeway applied to exp/nbf of incoming tokens.
	Leeway = 10 * time.Second

	DefaultRequestHeader  = "otoroshi-state"
	DefaultResponseHeader = "otoroshi-state-resp"
)

var (
	// ErrVerificationFailed is returned for any problem with an incoming token:
	// malformed, bad signature, wrong algorithm or issuer, expired, missing
	// state. Callers never learn which check failed.
	ErrVerificationFailed = errors.New("challenge verification failed")

	ErrSigningFailed = errors.New("failed to sign challenge response")
)

// Algorithm is one of the HMAC signing algorithms accepted on the wire.
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
)

// ParseAlgorithm is case-insensitive; any unknown value, including the empty
// string, maps to HS512.
func ParseAlgorithm(s string) Algorithm {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HS256":
		return HS256
	case "HS384":
		return HS384
	default:
		return HS512
	}
}

func (a Algorithm) method() *jwt.SigningMethodHMAC {
	switch a {
	case HS256:
		return jwt.SigningMethodHS256
	case HS384:
		return jwt.SigningMethodHS384
	default:
		return jwt.SigningMethodHS512
	}
}

type Version int

const (
	V2 Version = iota
	V1
)

// ParseVersion returns V1 only for "V1" (any case). Everything else, missing
// values included, is V2.
func ParseVersion(s string) Version {
	if strings.EqualFold(strings.TrimSpace(s), "V1") {
		return V1
	}
	return V2
}

func (v Version) String() string {
	if v == V1 {
		return "V1"
	}
	return "V2"
}

// Config is the resolved handshake configuration. The In pair verifies what
// the gateway sends, the Out pair signs what goes back. They are never
// swapped.
type Config struct {
	Version Version

	SecretIn []byte
	AlgIn    Algorithm

	SecretOut []byte
	AlgOut    Algorithm

	RequestHeader  string
	ResponseHeader string

	// ResponseLeeway is the leeway the gateway applies to our response
	// tokens. Informational on this side.
	ResponseLeeway time.Duration

	// TTL of the response token. Zero means DefaultTTL.
	TTL time.Duration
}

// RequestHeaderName returns the configured request header or the default.
func (c *Config) RequestHeaderName() string {
	if c.RequestHeader != "" {
		return c.RequestHeader
	}
	return DefaultRequestHeader
}

func (c *Config) ResponseHeaderName() string {
	if c.ResponseHeader != "" {
		return c.ResponseHeader
	}
	return DefaultResponseHeader
}

// Protocol is a stateless codec. Safe for concurrent use.
type Protocol struct {
	Config Config

	// Now is the clock used for validation and signing. Defaults to time.Now.
	Now func() time.Time
}

func New(cfg Config) *Protocol {
	return &Protocol{Config: cfg, Now: time.Now}
}

func (p *Protocol) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Protocol) ttl() time.Duration {
	if p.Config.TTL > 0 {
		return p.Config.TTL
	}
	return DefaultTTL
}

// ProcessV1 returns the state unchanged.
func ProcessV1(state string) string {
	return state
}

// Process computes the response header value for the incoming request header
// value, according to the configured version.
func (p *Protocol) Process(value string) (string, error) {
	if p.Config.Version == V1 {
		return ProcessV1(value), nil
	}
	return p.VerifyAndSign(value)
}

// Verify checks an incoming token and returns its "state" claim.
//
// The token must be signed with AlgIn/SecretIn, carry iss=Otoroshi and an exp
// claim. It is accepted while now < exp + Leeway.
func (p *Protocol) Verify(token string) (string, error) {
	alg := p.Config.AlgIn.method()
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(Leeway),
		jwt.WithTimeFunc(p.now),
	)
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return p.Config.SecretIn, nil
	})
	if err != nil {
		return "", ErrVerificationFailed
	}
	state, ok := claims["state"].(string)
	if !ok {
		return "", ErrVerificationFailed
	}
	return state, nil
}

// Sign produces a response token for state, signed with AlgOut/SecretOut.
func (p *Protocol) Sign(state string) (string, error) {
	now := p.now().Unix()
	claims := jwt.MapClaims{
		"state-resp": state,
		"aud":        Issuer,
		"iat":        now,
		"nbf":        now,
		"exp":        now + int64(p.ttl()/time.Second),
	}
	signed, err := jwt.NewWithClaims(p.Config.AlgOut.method(), claims).SignedString(p.Config.SecretOut)
	if err != nil {
		return "", ErrSigningFailed
	}
	return signed, nil
}

// VerifyAndSign is the V2 round trip: Verify the gateway token, then Sign the
// extracted state.
func (p *Protocol) VerifyAndSign(token string) (string, error) {
	state, err := p.Verify(token)
	if err != nil {
		return "", err
	}
	return p.Sign(state)
}
