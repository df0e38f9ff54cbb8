package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/myceliasignal/slo/internal/oracle"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate secp256k1 key: %v", err)
	}
	_, edKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return New(key, edKey)
}

func testAssertion() oracle.Assertion {
	return oracle.Assertion{
		Domain:    "BTCUSD",
		Value:     69004.50,
		Currency:  "USD",
		Decimals:  2,
		Timestamp: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Nonce:     "7",
		Sources:   []string{"coinbase", "kraken", "bitstamp"},
		Method:    oracle.MethodMedian,
	}
}

func TestSignECDSAVerifies(t *testing.T) {
	s := newTestSigner(t)
	b := s.SignECDSA(testAssertion())
	if b.Scheme != SchemeECDSA {
		t.Fatalf("scheme = %q", b.Scheme)
	}
	if err := Verify(b); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSignEd25519Verifies(t *testing.T) {
	s := newTestSigner(t)
	b := s.SignEd25519(testAssertion())
	if b.Scheme != SchemeEd25519 {
		t.Fatalf("scheme = %q", b.Scheme)
	}
	if err := Verify(b); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedCanonical(t *testing.T) {
	s := newTestSigner(t)
	for _, scheme := range []string{SchemeECDSA, SchemeEd25519} {
		b := s.SignECDSA(testAssertion())
		if scheme == SchemeEd25519 {
			b = s.SignEd25519(testAssertion())
		}
		tampered := b
		tampered.Assertion.Value = 70000.00
		tampered.Canonical = tampered.Assertion.Canonical()
		tampered.Digest = ""
		if err := Verify(tampered); err == nil {
			t.Errorf("%s: tampered value verified", scheme)
		}
	}
}

func TestVerifyRejectsAssertionCanonicalMismatch(t *testing.T) {
	s := newTestSigner(t)
	b := s.SignECDSA(testAssertion())
	// Valid signature over the original canonical, but the embedded
	// assertion now claims a different value.
	b.Assertion.Value = 1.00
	if err := Verify(b); err == nil {
		t.Fatal("mismatched assertion verified")
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a := newTestSigner(t)
	other := newTestSigner(t)
	b := a.SignEd25519(testAssertion())
	b.PublicKey = other.Ed25519PublicKeyHex()
	if err := Verify(b); err == nil {
		t.Fatal("signature verified under a foreign key")
	}
}

func TestResponseFlattensBundle(t *testing.T) {
	s := newTestSigner(t)
	b := s.SignECDSA(testAssertion())
	resp := b.Response()

	if resp.Domain != "BTCUSD" || resp.Canonical != b.Canonical || resp.Pubkey != b.PublicKey {
		t.Fatalf("response = %+v", resp)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	if hex.EncodeToString(sig) != b.Signature {
		t.Fatal("response signature does not decode to the bundle signature")
	}
}

func TestResignEd25519MatchesBundleSignature(t *testing.T) {
	s := newTestSigner(t)
	a := testAssertion()
	b := s.SignEd25519(a)
	if s.ResignEd25519(a.Canonical()) == "" {
		t.Fatal("empty re-signature")
	}
	// Ed25519 is deterministic: signing the same canonical twice must
	// produce the same raw signature bytes.
	if s.ResignEd25519(a.Canonical()) != s.ResignEd25519(b.Canonical) {
		t.Fatal("re-signature not deterministic")
	}
}
