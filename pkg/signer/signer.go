// Package signer derives per-request authentication headers for the
// airspace network from a shared secret.
//
// The secret itself never leaves the process. The network identifies the
// caller by a credential id (a one-way hash of the secret) and checks an
// HMAC-SHA256 signature computed with a key derived from the secret via HKDF.
// Every signature binds a fresh timestamp and nonce.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Header names carried on every signed request.
const (
	HeaderCredential = "X-Airspace-Credential"
	HeaderSignature  = "X-Airspace-Signature"
	HeaderTimestamp  = "X-Airspace-Timestamp"
	HeaderNonce      = "X-Airspace-Nonce"
)

const (
	// TimestampFormat is sortable and carries millisecond precision.
	TimestampFormat = "2006-01-02T15:04:05.000Z"

	kdfSalt = "airspace-hmac-salt-v1"
	kdfInfo = "request-signing-v1"
	keySize = 32
)

var (
	// ErrMissingSecret is returned when no shared secret is configured.
	ErrMissingSecret = errors.New("airspace shared secret is not configured")

	// ErrBadSignature is returned by Verify when headers do not authenticate.
	ErrBadSignature = errors.New("signature mismatch")
)

// Headers is the header set attached to one outbound request.
type Headers struct {
	Credential string
	Signature  string
	Timestamp  string
	Nonce      string
}

// Apply sets the headers on req.
func (h Headers) Apply(req *http.Request) {
	req.Header.Set(HeaderCredential, h.Credential)
	req.Header.Set(HeaderSignature, h.Signature)
	req.Header.Set(HeaderTimestamp, h.Timestamp)
	req.Header.Set(HeaderNonce, h.Nonce)
}

// FromRequest reads signing headers back out of an incoming request.
func FromRequest(req *http.Request) Headers {
	return Headers{
		Credential: req.Header.Get(HeaderCredential),
		Signature:  req.Header.Get(HeaderSignature),
		Timestamp:  req.Header.Get(HeaderTimestamp),
		Nonce:      req.Header.Get(HeaderNonce),
	}
}

// Signer signs requests with keys derived from one shared secret.
// It is safe for concurrent use.
type Signer struct {
	credential string
	key        []byte

	// now and nonce are replaceable in tests
	now   func() time.Time
	nonce func() (string, error)
}

// New derives the credential id and signing key for secret.
func New(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}

	return &Signer{
		credential: CredentialID(secret),
		key:        key,
		now:        time.Now,
		nonce:      randomNonce,
	}, nil
}

// CredentialID returns the stable public identifier for secret.
func CredentialID(secret string) string {
	sum := sha256.Sum256([]byte("kid:" + secret))
	return "kid_" + base64.RawURLEncoding.EncodeToString(sum[:16])
}

// Credential returns the credential id sent with every request.
func (s *Signer) Credential() string {
	return s.credential
}

// Sign produces the header set for one request. The timestamp and nonce are
// generated on every call; a failure means the request must not be sent.
func (s *Signer) Sign(method, path string, body []byte) (Headers, error) {
	nonce, err := s.nonce()
	if err != nil {
		return Headers{}, fmt.Errorf("generate nonce: %w", err)
	}
	ts := s.now().UTC().Format(TimestampFormat)

	return Headers{
		Credential: s.credential,
		Signature:  sign(s.key, method, path, ts, nonce, body),
		Timestamp:  ts,
		Nonce:      nonce,
	}, nil
}

// Verify checks h against secret the way the network does. It does not
// enforce timestamp freshness or nonce replay; callers that need that check
// h.Timestamp themselves.
func Verify(secret, method, path string, body []byte, h Headers) error {
	if h.Credential != CredentialID(secret) {
		return fmt.Errorf("%w: unknown credential %q", ErrBadSignature, h.Credential)
	}
	key, err := deriveKey(secret)
	if err != nil {
		return err
	}
	want := sign(key, method, path, h.Timestamp, h.Nonce, body)
	if !hmac.Equal([]byte(want), []byte(h.Signature)) {
		return ErrBadSignature
	}
	return nil
}

// CanonicalString is the exact byte string covered by the signature.
func CanonicalString(method, path, timestamp, nonce string, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.Write(body)
	return b.String()
}

func sign(key []byte, method, path, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(CanonicalString(method, path, timestamp, nonce, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func deriveKey(secret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(kdfSalt), []byte(kdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}

func randomNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
