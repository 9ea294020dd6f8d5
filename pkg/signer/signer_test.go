package signer

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

const testSecret = "ssk_test_4f1c2a9e0b7d"

func TestNew(t *testing.T) {
	t.Run("Empty secret is a configuration error", func(t *testing.T) {
		for _, secret := range []string{"", "   "} {
			if _, err := New(secret); !errors.Is(err, ErrMissingSecret) {
				t.Errorf("Expected ErrMissingSecret for %q, got %v", secret, err)
			}
		}
	})

	t.Run("Credential id is stable and hides the secret", func(t *testing.T) {
		a, err := New(testSecret)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		b, _ := New(testSecret)
		if a.Credential() != b.Credential() {
			t.Errorf("Expected stable credential, got %s and %s", a.Credential(), b.Credential())
		}
		if !strings.HasPrefix(a.Credential(), "kid_") {
			t.Errorf("Expected kid_ prefix, got %s", a.Credential())
		}
		if strings.Contains(a.Credential(), testSecret) {
			t.Error("Credential id must not contain the secret")
		}
		if CredentialID("other-secret") == a.Credential() {
			t.Error("Different secrets must yield different credentials")
		}
	})
}

func TestSign(t *testing.T) {
	s, err := New(testSecret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte(`{"type":"FeatureCollection"}`)

	t.Run("Signatures verify", func(t *testing.T) {
		h, err := s.Sign(http.MethodPost, "/v1/advisories", body)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if err := Verify(testSecret, http.MethodPost, "/v1/advisories", body, h); err != nil {
			t.Errorf("Expected valid signature, got %v", err)
		}
	})

	t.Run("Same request at two moments differs", func(t *testing.T) {
		h1, _ := s.Sign(http.MethodPost, "/v1/advisories", body)
		h2, _ := s.Sign(http.MethodPost, "/v1/advisories", body)
		if h1.Nonce == h2.Nonce {
			t.Error("Expected a fresh nonce per call")
		}
		if h1.Signature == h2.Signature {
			t.Error("Expected different signatures for different nonces")
		}
	})

	t.Run("Timestamp is fresh and sortable", func(t *testing.T) {
		times := []time.Time{
			time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
			time.Date(2026, 10, 15, 9, 0, 1, 500e6, time.UTC),
		}
		fixed := &Signer{credential: s.credential, key: s.key, nonce: func() (string, error) { return "n", nil }}
		var stamps []string
		for _, ts := range times {
			fixed.now = func() time.Time { return ts }
			h, err := fixed.Sign("GET", "/v1/beacons", nil)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			stamps = append(stamps, h.Timestamp)
		}
		if stamps[0] != "2026-10-15T09:00:00.000Z" {
			t.Errorf("Unexpected timestamp format %s", stamps[0])
		}
		if !(stamps[0] < stamps[1]) {
			t.Errorf("Expected lexical order to match time order: %v", stamps)
		}
	})

	t.Run("Tampering is detected", func(t *testing.T) {
		h, _ := s.Sign(http.MethodPost, "/v1/advisories", body)
		if err := Verify(testSecret, http.MethodPost, "/v1/advisories", []byte("{}"), h); !errors.Is(err, ErrBadSignature) {
			t.Errorf("Expected ErrBadSignature for modified body, got %v", err)
		}
		if err := Verify(testSecret, http.MethodGet, "/v1/advisories", body, h); !errors.Is(err, ErrBadSignature) {
			t.Errorf("Expected ErrBadSignature for modified method, got %v", err)
		}
		if err := Verify("wrong", http.MethodPost, "/v1/advisories", body, h); !errors.Is(err, ErrBadSignature) {
			t.Errorf("Expected ErrBadSignature for wrong secret, got %v", err)
		}
	})

	t.Run("Nonce failure is fatal to the call", func(t *testing.T) {
		broken := &Signer{credential: s.credential, key: s.key, now: time.Now,
			nonce: func() (string, error) { return "", errors.New("entropy exhausted") }}
		if _, err := broken.Sign("GET", "/v1/beacons", nil); err == nil {
			t.Error("Expected error when nonce generation fails")
		}
	})
}

func TestHeadersRoundTrip(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/v1/beacons", nil)
	h := Headers{Credential: "kid_x", Signature: "sig", Timestamp: "ts", Nonce: "n"}
	h.Apply(req)
	if got := FromRequest(req); got != h {
		t.Errorf("Expected %+v, got %+v", h, got)
	}
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("post", "/v1/advisories", "T", "N", []byte("B"))
	if got != "POST\n/v1/advisories\nT\nN\nB" {
		t.Errorf("Unexpected canonical string %q", got)
	}
}
