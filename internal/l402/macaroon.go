package l402

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	macaroon "gopkg.in/macaroon.v2"
)

// L402 identifier layout: version (2) || payment_hash (32) || token_id (32).
const (
	l402Version = 0
	idLen       = 66
)

// Minter mints and verifies L402 macaroons under a single root key. The
// macaroon's MAC covers the identifier, so the embedded payment hash cannot
// be swapped without the root key.
type Minter struct {
	rootKey  []byte
	location string
}

func NewMinter(rootKey []byte, location string) *Minter {
	return &Minter{rootKey: rootKey, location: location}
}

// Mint creates a macaroon bound to paymentHash and returns it base64
// encoded, ready for the WWW-Authenticate challenge.
func (m *Minter) Mint(paymentHash []byte) (string, error) {
	if len(paymentHash) != 32 {
		return "", fmt.Errorf("payment hash is %d bytes", len(paymentHash))
	}
	id := make([]byte, idLen)
	binary.BigEndian.PutUint16(id[:2], l402Version)
	copy(id[2:34], paymentHash)
	if _, err := rand.Read(id[34:66]); err != nil {
		return "", err
	}
	mac, err := macaroon.New(m.rootKey, id, m.location, macaroon.LatestVersion)
	if err != nil {
		return "", err
	}
	raw, err := mac.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// VerifyToken checks an Authorization credential of the form
// "<macaroon>:<preimage_hex>": the macaroon's MAC under the root key, and
// that SHA-256 of the preimage equals the payment hash the macaroon binds.
func (m *Minter) VerifyToken(credential string) error {
	parts := strings.SplitN(credential, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("token is not <macaroon>:<preimage>")
	}
	macRaw, err := decodeMacaroon(parts[0])
	if err != nil {
		return fmt.Errorf("macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macRaw); err != nil {
		return fmt.Errorf("macaroon: %w", err)
	}
	if err := mac.Verify(m.rootKey, func(caveat string) error { return nil }, nil); err != nil {
		return fmt.Errorf("macaroon: %w", err)
	}
	id := mac.Id()
	if len(id) != idLen {
		return fmt.Errorf("identifier is %d bytes", len(id))
	}
	if binary.BigEndian.Uint16(id[:2]) != l402Version {
		return fmt.Errorf("unknown token version")
	}

	preimage, err := hex.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)
	if subtle.ConstantTimeCompare(hash[:], id[2:34]) != 1 {
		return fmt.Errorf("preimage does not match payment hash")
	}
	return nil
}

// decodeMacaroon accepts hex or base64; clients in the wild send both.
func decodeMacaroon(s string) ([]byte, error) {
	if raw, err := hex.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
