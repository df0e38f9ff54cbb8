package dlc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Attestor announces events and signs their outcomes digit by digit. Each
// digit gets its own nonce and its own Schnorr scalar s = k + e·x, with the
// challenge e bound to the event, digit index, and digit value.
type Attestor struct {
	key    *secp256k1.PrivateKey
	store  *Store
	digits int
}

func NewAttestor(key *secp256k1.PrivateKey, store *Store, digits int) *Attestor {
	return &Attestor{key: key, store: store, digits: digits}
}

// EventID names an event as "<PAIR>-<maturity RFC3339 UTC>".
func EventID(pair string, maturity time.Time) string {
	return fmt.Sprintf("%s-%s", pair, maturity.UTC().Format(time.RFC3339))
}

func (a *Attestor) PublicKeyHex() string {
	return hex.EncodeToString(a.key.PubKey().SerializeCompressed())
}

// CreateAnnouncement generates fresh nonces for every digit, persists the
// secrets, and stores the announcement. Announcing the same event twice is
// a no-op returning the stored announcement, so the nonces never rotate.
func (a *Attestor) CreateAnnouncement(pair string, maturity time.Time) (Announcement, error) {
	eventID := EventID(pair, maturity)
	if a.store.HasAnnouncement(eventID) {
		return a.store.LoadAnnouncement(eventID)
	}

	points := make([]string, a.digits)
	secrets := make([]string, a.digits)
	for i := range points {
		nonce, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return Announcement{}, fmt.Errorf("nonce %d: %w", i, err)
		}
		secrets[i] = hex.EncodeToString(nonce.Serialize())
		points[i] = hex.EncodeToString(nonce.PubKey().SerializeCompressed())
	}

	ann := Announcement{
		EventID:      eventID,
		Pair:         pair,
		Maturity:     maturity.UTC(),
		OraclePubKey: a.PublicKeyHex(),
		NumDigits:    a.digits,
		RPoints:      points,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := a.store.SaveNonceSecrets(eventID, secrets); err != nil {
		return Announcement{}, err
	}
	if err := a.store.SaveAnnouncement(ann); err != nil {
		return Announcement{}, err
	}
	return ann, nil
}

// CreateAttestation signs the matured price for an announced event. The
// nonce secrets are consumed before signing; a second attestation attempt
// for the same event fails rather than reusing a nonce.
func (a *Attestor) CreateAttestation(eventID string, price float64) (Attestation, error) {
	ann, err := a.store.LoadAnnouncement(eventID)
	if err != nil {
		return Attestation{}, fmt.Errorf("announcement: %w", err)
	}
	if a.store.HasAttestation(eventID) {
		return Attestation{}, fmt.Errorf("%s: already attested", eventID)
	}
	secrets, err := a.store.TakeNonceSecrets(eventID)
	if err != nil {
		return Attestation{}, fmt.Errorf("nonces: %w", err)
	}
	if len(secrets) != ann.NumDigits {
		return Attestation{}, fmt.Errorf("%s: %d nonces for %d digits", eventID, len(secrets), ann.NumDigits)
	}

	outcome := clampOutcome(price, ann.NumDigits)
	digits := decompose(outcome, ann.NumDigits)

	sigs := make([]string, ann.NumDigits)
	for i, digit := range digits {
		raw, err := hex.DecodeString(secrets[i])
		if err != nil {
			return Attestation{}, fmt.Errorf("nonce %d: %w", i, err)
		}
		var k secp256k1.ModNScalar
		if overflow := k.SetByteSlice(raw); overflow || k.IsZero() {
			return Attestation{}, fmt.Errorf("nonce %d: out of range", i)
		}

		e := digitChallenge(eventID, i, digit)
		// s = k + e·x
		var s secp256k1.ModNScalar
		s.Mul2(&e, &a.key.Key).Add(&k)
		sBytes := s.Bytes()
		sigs[i] = hex.EncodeToString(sBytes[:])
	}

	att := Attestation{
		EventID:      eventID,
		Pair:         ann.Pair,
		Maturity:     ann.Maturity,
		OraclePubKey: ann.OraclePubKey,
		Price:        outcome,
		PriceDigits:  digits,
		SValues:      sigs,
		AttestedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := a.store.SaveAttestation(att); err != nil {
		return Attestation{}, err
	}
	return att, nil
}

// VerifyAttestation checks s·G == R + e·P for every digit.
func VerifyAttestation(ann Announcement, att Attestation) error {
	if att.EventID != ann.EventID {
		return fmt.Errorf("attestation is for %s, announcement for %s", att.EventID, ann.EventID)
	}
	if len(att.PriceDigits) != ann.NumDigits || len(att.SValues) != ann.NumDigits || len(ann.RPoints) != ann.NumDigits {
		return fmt.Errorf("digit count mismatch")
	}
	if decomposeCheck(att.Price, att.PriceDigits) != nil {
		return fmt.Errorf("digits do not encode price %d", att.Price)
	}

	pubRaw, err := hex.DecodeString(ann.OraclePubKey)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(pubRaw)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	var p secp256k1.JacobianPoint
	pub.AsJacobian(&p)

	for i := range att.PriceDigits {
		rRaw, err := hex.DecodeString(ann.RPoints[i])
		if err != nil {
			return fmt.Errorf("r point %d: %w", i, err)
		}
		rPub, err := secp256k1.ParsePubKey(rRaw)
		if err != nil {
			return fmt.Errorf("r point %d: %w", i, err)
		}
		sRaw, err := hex.DecodeString(att.SValues[i])
		if err != nil {
			return fmt.Errorf("signature %d: %w", i, err)
		}
		var s secp256k1.ModNScalar
		if overflow := s.SetByteSlice(sRaw); overflow {
			return fmt.Errorf("signature %d: scalar out of range", i)
		}

		e := digitChallenge(att.EventID, i, att.PriceDigits[i])

		var lhs secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&s, &lhs)

		var r, eP, rhs secp256k1.JacobianPoint
		rPub.AsJacobian(&r)
		secp256k1.ScalarMultNonConst(&e, &p, &eP)
		secp256k1.AddNonConst(&r, &eP, &rhs)

		lhs.ToAffine()
		rhs.ToAffine()
		if !lhs.X.Equals(&rhs.X) || !lhs.Y.Equals(&rhs.Y) {
			return fmt.Errorf("digit %d: signature does not verify", i)
		}
	}
	return nil
}

// digitChallenge derives e = H("<eventID>/<index>/<digit>") mod n.
func digitChallenge(eventID string, index, digit int) secp256k1.ModNScalar {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%d", eventID, index, digit)))
	var e secp256k1.ModNScalar
	e.SetByteSlice(digest[:])
	return e
}

// clampOutcome rounds the price to an integer and clamps it to what the
// digit width can encode.
func clampOutcome(price float64, digits int) int64 {
	maxVal := int64(math.Pow10(digits)) - 1
	v := int64(math.Round(price))
	if v < 0 {
		return 0
	}
	if v > maxVal {
		return maxVal
	}
	return v
}

// decompose splits an outcome into base-10 digits, most significant first.
func decompose(outcome int64, digits int) []int {
	out := make([]int, digits)
	for i := digits - 1; i >= 0; i-- {
		out[i] = int(outcome % 10)
		outcome /= 10
	}
	return out
}

func decomposeCheck(outcome int64, digits []int) error {
	want := decompose(outcome, len(digits))
	for i := range digits {
		if digits[i] != want[i] {
			return fmt.Errorf("digit %d", i)
		}
	}
	return nil
}
