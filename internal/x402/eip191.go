// Package x402 implements the stablecoin payment rail: USDC settlement on
// an EVM chain, single-use payment nonces, a depeg circuit breaker, tiered
// enforcement of failed payers, and the gin handler tying them together.
package x402

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// hashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func hashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// recoverSigner extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func recoverSigner(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	hash := hashMessage(msg)

	// Normalize V: Ethereum uses 27/28, ecrecover expects 0/1
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// paymentMessage is the byte string a payer signs to bind a payment header
// to their address: the tx hash and the minted nonce.
func paymentMessage(txHash, nonce string) []byte {
	return []byte("x402:" + txHash + ":" + nonce)
}

// VerifyPayerSignature checks that sig over (txHash, nonce) recovers from.
func VerifyPayerSignature(txHash, nonce, from string, sig []byte) error {
	addr, err := recoverSigner(paymentMessage(txHash, nonce), sig)
	if err != nil {
		return err
	}
	if !strings.EqualFold(addr.Hex(), from) {
		return fmt.Errorf("signature recovers %s, header claims %s", addr.Hex(), from)
	}
	return nil
}
