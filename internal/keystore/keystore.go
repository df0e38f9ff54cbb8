// Package keystore owns the oracle's three persistent secrets: the
// secp256k1 signing scalar (ECDSA attestations and Schnorr events), the
// Ed25519 seed (stablecoin-rail attestations), and the macaroon root key
// (lightning-rail tokens). Each is loaded from disk or generated on first
// start; none is ever logged or rewritten afterwards.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"
)

const (
	oracleKeyFile  = "oracle_sk.hex"
	ed25519File    = "ed25519_seed.hex"
	rootKeyFile    = "l402_root_key.bin"
	secretFileMode = 0o600
	secretDirMode  = 0o700
)

type Keystore struct {
	dir       string
	oracleKey *secp256k1.PrivateKey
	edKey     ed25519.PrivateKey
	rootKey   []byte
}

// Open loads the three secrets from dir, generating any that are missing.
func Open(dir string, log *zap.Logger) (*Keystore, error) {
	if err := os.MkdirAll(dir, secretDirMode); err != nil {
		return nil, fmt.Errorf("keystore dir: %w", err)
	}
	ks := &Keystore{dir: dir}

	oracleHex, created, err := loadOrCreateHex(filepath.Join(dir, oracleKeyFile), 32)
	if err != nil {
		return nil, fmt.Errorf("oracle key: %w", err)
	}
	ks.oracleKey = secp256k1.PrivKeyFromBytes(oracleHex)
	logKeyEvent(log, "oracle signing key", created)

	edSeed, created, err := loadOrCreateHex(filepath.Join(dir, ed25519File), ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("ed25519 seed: %w", err)
	}
	ks.edKey = ed25519.NewKeyFromSeed(edSeed)
	logKeyEvent(log, "ed25519 key", created)

	rootKey, created, err := loadOrCreateRaw(filepath.Join(dir, rootKeyFile), 32)
	if err != nil {
		return nil, fmt.Errorf("macaroon root key: %w", err)
	}
	ks.rootKey = rootKey
	logKeyEvent(log, "macaroon root key", created)

	return ks, nil
}

// OracleKey returns the secp256k1 signing key.
func (k *Keystore) OracleKey() *secp256k1.PrivateKey { return k.oracleKey }

// Ed25519Key returns the Ed25519 private key.
func (k *Keystore) Ed25519Key() ed25519.PrivateKey { return k.edKey }

// RootKey returns the 32-byte macaroon root secret. Read-only after load.
func (k *Keystore) RootKey() []byte { return k.rootKey }

func logKeyEvent(log *zap.Logger, name string, created bool) {
	if created {
		log.Info("generated new key material", zap.String("key", name))
	} else {
		log.Info("loaded key material", zap.String("key", name))
	}
}

// loadOrCreateHex reads a hex-encoded secret of n bytes, creating it when
// the file is absent.
func loadOrCreateHex(path string, n int) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(raw) != n {
			return nil, false, fmt.Errorf("%s: corrupt key material", path)
		}
		return raw, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)+"\n"), secretFileMode); err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// loadOrCreateRaw reads a raw binary secret of n bytes, creating it when
// the file is absent. A file of the wrong length is corrupt key material,
// never something to overwrite.
func loadOrCreateRaw(path string, n int) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != n {
			return nil, false, fmt.Errorf("%s: corrupt key material", path)
		}
		return data, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, raw, secretFileMode); err != nil {
		return nil, false, err
	}
	return raw, true, nil
}
