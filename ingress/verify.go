package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

// ErrUnauthorized is returned by verifiers for rejected requests.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier authenticates an inbound resume request. body is the raw request
// body, already read.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

// Verification modes.
const (
	ModeNone        = "none"
	ModeHMAC        = "hmac"
	ModeHeaderToken = "header_token"
	ModeIPAllowlist = "ip_allowlist"
	ModeJWT         = "jwt"
)

// VerifyConfig selects and configures a Verifier.
type VerifyConfig struct {
	Mode   string `mapstructure:"mode"`
	Secret string `mapstructure:"secret"`
	// Header overrides the signature or token header.
	Header       string   `mapstructure:"header"`
	AllowedCIDRs []string `mapstructure:"allowed_cidrs"`
	Issuer       string   `mapstructure:"issuer"`
}

// NewVerifier builds the verifier for cfg.Mode.
func NewVerifier(cfg VerifyConfig) (Verifier, error) {
	switch cfg.Mode {
	case "", ModeNone:
		return noneVerifier{}, nil
	case ModeHMAC:
		if cfg.Secret == "" {
			return nil, errors.New("hmac verification needs a secret")
		}
		return &HMACVerifier{secret: []byte(cfg.Secret), header: orDefault(cfg.Header, "X-Signature-256")}, nil
	case ModeHeaderToken:
		if cfg.Secret == "" {
			return nil, errors.New("header_token verification needs a secret")
		}
		return &TokenVerifier{token: []byte(cfg.Secret), header: orDefault(cfg.Header, "X-Webhook-Token")}, nil
	case ModeIPAllowlist:
		return NewIPAllowlist(cfg.AllowedCIDRs)
	case ModeJWT:
		if cfg.Secret == "" {
			return nil, errors.New("jwt verification needs a secret")
		}
		return &JWTVerifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer}, nil
	}
	return nil, fmt.Errorf("unknown verification mode %q", cfg.Mode)
}

type noneVerifier struct{}

func (noneVerifier) Verify(*http.Request, []byte) error { return nil }

// HMACVerifier checks a "sha256=<hex>" HMAC of the body.
type HMACVerifier struct {
	secret []byte
	header string
}

// Sign returns the header value a sender must set for body.
func (v *HMACVerifier) Sign(body []byte) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (v *HMACVerifier) Verify(r *http.Request, body []byte) error {
	got := r.Header.Get(v.header)
	if got == "" {
		return fmt.Errorf("%w: missing %s", ErrUnauthorized, v.header)
	}
	if !hmac.Equal([]byte(got), []byte(v.Sign(body))) {
		return fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}
	return nil
}

// TokenVerifier compares a shared token header.
type TokenVerifier struct {
	token  []byte
	header string
}

func (v *TokenVerifier) Verify(r *http.Request, _ []byte) error {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(v.header)), v.token) != 1 {
		return fmt.Errorf("%w: bad token", ErrUnauthorized)
	}
	return nil
}

// IPAllowlist admits requests from listed networks.
type IPAllowlist struct {
	nets []*net.IPNet
}

// NewIPAllowlist parses CIDRs; bare addresses are treated as single hosts.
func NewIPAllowlist(cidrs []string) (*IPAllowlist, error) {
	if len(cidrs) == 0 {
		return nil, errors.New("ip_allowlist verification needs at least one network")
	}
	l := &IPAllowlist{}
	for _, c := range cidrs {
		if !strings.Contains(c, "/") {
			if ip := net.ParseIP(c); ip != nil && ip.To4() != nil {
				c += "/32"
			} else {
				c += "/128"
			}
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", c, err)
		}
		l.nets = append(l.nets, n)
	}
	return l, nil
}

func (l *IPAllowlist) Verify(r *http.Request, _ []byte) error {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unparsable remote address %q", ErrUnauthorized, r.RemoteAddr)
	}
	for _, n := range l.nets {
		if n.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not allowed", ErrUnauthorized, ip)
}

// JWTVerifier checks an HMAC-signed bearer token. A token carrying an
// executionId claim is only valid for that execution.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// Claims are the token claims understood by JWTVerifier.
type Claims struct {
	ExecutionID string `json:"executionId,omitempty"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(r *http.Request, _ []byte) error {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.ExecutionID != "" && claims.ExecutionID != mux.Vars(r)["executionId"] {
		return fmt.Errorf("%w: token is for another execution", ErrUnauthorized)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
