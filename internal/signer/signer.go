// Package signer turns aggregated price assertions into signed bundles a
// client can verify offline. The lightning rail signs with secp256k1 ECDSA,
// the stablecoin rail with Ed25519; both schemes sign the SHA-256 digest of
// the assertion's canonical form, never a re-serialization.
package signer

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/myceliasignal/slo/internal/oracle"
)

const (
	SchemeECDSA   = "ecdsa-secp256k1"
	SchemeEd25519 = "ed25519"
)

// Bundle is an assertion plus everything needed to verify it: the exact
// canonical string that was hashed, the signature, and the public key.
// Internal form; paying clients get the flat Response shape.
type Bundle struct {
	Assertion oracle.Assertion `json:"assertion"`
	Canonical string           `json:"canonical"`
	Digest    string           `json:"digest"`
	Scheme    string           `json:"scheme"`
	Signature string           `json:"signature"`
	PublicKey string           `json:"public_key"`
}

// Response is the wire form served on paid endpoints: flat, with the
// signature base64 encoded. Everything a client needs to verify is the
// canonical string, the signature, and the pubkey.
type Response struct {
	Domain    string `json:"domain"`
	Canonical string `json:"canonical"`
	Signature string `json:"signature"`
	Pubkey    string `json:"pubkey"`
}

// Response flattens the bundle for serving.
func (b Bundle) Response() Response {
	raw, _ := hex.DecodeString(b.Signature)
	return Response{
		Domain:    b.Assertion.Domain,
		Canonical: b.Canonical,
		Signature: base64.StdEncoding.EncodeToString(raw),
		Pubkey:    b.PublicKey,
	}
}

type Signer struct {
	key   *secp256k1.PrivateKey
	edKey ed25519.PrivateKey
}

func New(key *secp256k1.PrivateKey, edKey ed25519.PrivateKey) *Signer {
	return &Signer{key: key, edKey: edKey}
}

// PublicKeyHex returns the compressed secp256k1 public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.key.PubKey().SerializeCompressed())
}

// Ed25519PublicKeyHex returns the 32-byte Ed25519 public key.
func (s *Signer) Ed25519PublicKeyHex() string {
	return hex.EncodeToString(s.edKey.Public().(ed25519.PublicKey))
}

// SignECDSA signs the assertion's canonical digest with DER-encoded ECDSA.
func (s *Signer) SignECDSA(a oracle.Assertion) Bundle {
	canonical := a.Canonical()
	digest := sha256.Sum256([]byte(canonical))
	sig := secpecdsa.Sign(s.key, digest[:])
	return Bundle{
		Assertion: a,
		Canonical: canonical,
		Digest:    hex.EncodeToString(digest[:]),
		Scheme:    SchemeECDSA,
		Signature: hex.EncodeToString(sig.Serialize()),
		PublicKey: s.PublicKeyHex(),
	}
}

// SignEd25519 signs the assertion's canonical digest with Ed25519.
func (s *Signer) SignEd25519(a oracle.Assertion) Bundle {
	canonical := a.Canonical()
	digest := sha256.Sum256([]byte(canonical))
	sig := ed25519.Sign(s.edKey, digest[:])
	return Bundle{
		Assertion: a,
		Canonical: canonical,
		Digest:    hex.EncodeToString(digest[:]),
		Scheme:    SchemeEd25519,
		Signature: hex.EncodeToString(sig),
		PublicKey: s.Ed25519PublicKeyHex(),
	}
}

// ResignEd25519 signs an already-built canonical string and returns the
// signature base64 encoded, the form the stablecoin rail serves.
func (s *Signer) ResignEd25519(canonical string) string {
	digest := sha256.Sum256([]byte(canonical))
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.edKey, digest[:]))
}

// Verify checks a bundle's signature against its canonical string. The
// canonical string must also round-trip to the embedded assertion, so a
// tampered assertion fails even with a valid signature over the original.
func Verify(b Bundle) error {
	parsed, err := oracle.ParseCanonical(b.Canonical)
	if err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	if parsed.Canonical() != b.Assertion.Canonical() {
		return fmt.Errorf("assertion does not match canonical string")
	}
	digest := sha256.Sum256([]byte(b.Canonical))
	if b.Digest != "" && b.Digest != hex.EncodeToString(digest[:]) {
		return fmt.Errorf("digest mismatch")
	}
	sig, err := hex.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("signature hex: %w", err)
	}
	pub, err := hex.DecodeString(b.PublicKey)
	if err != nil {
		return fmt.Errorf("public key hex: %w", err)
	}

	switch b.Scheme {
	case SchemeECDSA:
		pubKey, err := secp256k1.ParsePubKey(pub)
		if err != nil {
			return fmt.Errorf("secp256k1 public key: %w", err)
		}
		parsedSig, err := secpecdsa.ParseDERSignature(sig)
		if err != nil {
			return fmt.Errorf("DER signature: %w", err)
		}
		if !parsedSig.Verify(digest[:], pubKey) {
			return fmt.Errorf("ecdsa signature invalid")
		}
	case SchemeEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 public key is %d bytes", len(pub))
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig) {
			return fmt.Errorf("ed25519 signature invalid")
		}
	default:
		return fmt.Errorf("unknown scheme %q", b.Scheme)
	}
	return nil
}
