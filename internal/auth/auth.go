// Package auth implements inbound request authentication (Bearer token
// or HTTP Basic) and the stream-scoped token minting the manager uses
// to authorize a client directly against a node after picking one.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/riftcast/sfu/internal/apierr"
)

// Authenticator validates inbound requests against configured bearer
// tokens and basic-auth accounts. An Authenticator with no configured
// credentials accepts every request; auth is opt-in per deployment.
type Authenticator struct {
	tokens   map[string]struct{}
	accounts map[string]string // user -> password
}

func New(tokens []string, accountPairs []string) (*Authenticator, error) {
	a := &Authenticator{
		tokens:   make(map[string]struct{}, len(tokens)),
		accounts: make(map[string]string, len(accountPairs)),
	}
	for _, t := range tokens {
		if t != "" {
			a.tokens[t] = struct{}{}
		}
	}
	for _, p := range accountPairs {
		user, pass, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("auth: malformed account entry %q, want user:pass", p)
		}
		a.accounts[user] = pass
	}
	return a, nil
}

// Enabled reports whether any credential has been configured.
func (a *Authenticator) Enabled() bool {
	return len(a.tokens) > 0 || len(a.accounts) > 0
}

// BearerToken extracts the Bearer token from r, if one is present.
func BearerToken(r *http.Request) (string, bool) {
	return strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// CheckHTTP validates the Authorization header of r. Bearer token or
// HTTP Basic, either is sufficient.
func (a *Authenticator) CheckHTTP(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}
	h := r.Header.Get("Authorization")
	if h == "" {
		return apierr.Client(apierr.CodeUnauthorized, "missing Authorization header")
	}
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		for known := range a.tokens {
			if subtle.ConstantTimeCompare([]byte(tok), []byte(known)) == 1 {
				return nil
			}
		}
		return apierr.Client(apierr.CodeUnauthorized, "unknown bearer token")
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return apierr.Client(apierr.CodeUnauthorized, "malformed Authorization header")
	}
	want, exists := a.accounts[user]
	if !exists || subtle.ConstantTimeCompare([]byte(pass), []byte(want)) != 1 {
		return apierr.Client(apierr.CodeUnauthorized, "invalid credentials")
	}
	return nil
}

// StreamTokenMinter mints and verifies short-lived, stream-scoped
// tokens the manager hands a client alongside the node URL it picked,
// so the node can authorize the direct WHIP/WHEP POST without calling
// back to the manager. The token is an HMAC-SHA256 over the stream id
// and a big-endian expiry, base64-encoded alongside that expiry.
type StreamTokenMinter struct {
	secret []byte
}

func NewStreamTokenMinter(secret string) *StreamTokenMinter {
	return &StreamTokenMinter{secret: []byte(secret)}
}

// Mint returns a token valid for streamID until ttl from now.
func (m *StreamTokenMinter) Mint(streamID string, ttl time.Duration) string {
	exp := time.Now().Add(ttl).Unix()
	return m.sign(streamID, exp)
}

func (m *StreamTokenMinter) sign(streamID string, exp int64) string {
	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(exp))

	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(streamID))
	mac.Write(expBuf[:])
	sig := mac.Sum(nil)

	payload := append(expBuf[:], sig...)
	return base64.RawURLEncoding.EncodeToString(payload)
}

// Verify reports whether token is a currently-valid token for streamID.
func (m *StreamTokenMinter) Verify(streamID, token string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < 8 {
		return apierr.Client(apierr.CodeUnauthorized, "malformed stream token")
	}
	exp := int64(binary.BigEndian.Uint64(raw[:8]))
	if time.Now().Unix() > exp {
		return apierr.Policy(apierr.CodeTokenExpired, "stream token expired")
	}
	want := m.sign(streamID, exp)
	wantRaw, _ := base64.RawURLEncoding.DecodeString(want)
	if subtle.ConstantTimeCompare(raw, wantRaw) != 1 {
		return apierr.Client(apierr.CodeUnauthorized, "invalid stream token")
	}
	return nil
}
