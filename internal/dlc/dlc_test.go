package dlc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/oracle"
)

func newTestAttestor(t *testing.T) (*Attestor, *Store) {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewAttestor(key, store, 5), store
}

func TestAnnounceAttestVerify(t *testing.T) {
	attestor, _ := newTestAttestor(t)
	maturity := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)

	ann, err := attestor.CreateAnnouncement("BTCUSD", maturity)
	if err != nil {
		t.Fatalf("CreateAnnouncement: %v", err)
	}
	if ann.EventID != "BTCUSD-2026-08-26T15:00:00Z" {
		t.Fatalf("event id = %q", ann.EventID)
	}
	if len(ann.RPoints) != 5 {
		t.Fatalf("r points = %d, want 5", len(ann.RPoints))
	}

	att, err := attestor.CreateAttestation(ann.EventID, 69004.25)
	if err != nil {
		t.Fatalf("CreateAttestation: %v", err)
	}
	if att.Price != 69004 {
		t.Fatalf("price = %d, want 69004", att.Price)
	}
	wantDigits := []int{6, 9, 0, 0, 4}
	for i, d := range att.PriceDigits {
		if d != wantDigits[i] {
			t.Fatalf("digits = %v, want %v", att.PriceDigits, wantDigits)
		}
	}

	if err := VerifyAttestation(ann, att); err != nil {
		t.Fatalf("VerifyAttestation: %v", err)
	}
}

func TestAttestationTamperFails(t *testing.T) {
	attestor, _ := newTestAttestor(t)
	ann, err := attestor.CreateAnnouncement("BTCUSD", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	att, err := attestor.CreateAttestation(ann.EventID, 42123)
	if err != nil {
		t.Fatal(err)
	}

	tampered := att
	tampered.PriceDigits = append([]int{}, att.PriceDigits...)
	tampered.PriceDigits[4] = (att.PriceDigits[4] + 1) % 10
	tampered.Price = att.Price + 1
	if err := VerifyAttestation(ann, tampered); err == nil {
		t.Fatal("tampered digits verified")
	}
}

func TestSecondAttestationRefused(t *testing.T) {
	attestor, _ := newTestAttestor(t)
	ann, err := attestor.CreateAnnouncement("BTCUSD", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := attestor.CreateAttestation(ann.EventID, 50000); err != nil {
		t.Fatalf("first attestation: %v", err)
	}
	if _, err := attestor.CreateAttestation(ann.EventID, 60000); err == nil {
		t.Fatal("second attestation for the same event succeeded")
	}
}

func TestReannounceReturnsStoredEvent(t *testing.T) {
	attestor, _ := newTestAttestor(t)
	maturity := time.Now().Add(time.Hour)
	first, err := attestor.CreateAnnouncement("BTCUSD", maturity)
	if err != nil {
		t.Fatal(err)
	}
	second, err := attestor.CreateAnnouncement("BTCUSD", maturity)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first.RPoints {
		if first.RPoints[i] != second.RPoints[i] {
			t.Fatal("re-announcing rotated the nonces")
		}
	}
}

func TestWireFieldNames(t *testing.T) {
	attestor, _ := newTestAttestor(t)
	maturity := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	ann, err := attestor.CreateAnnouncement("BTCUSD", maturity)
	if err != nil {
		t.Fatal(err)
	}
	att, err := attestor.CreateAttestation(ann.EventID, 69004)
	if err != nil {
		t.Fatal(err)
	}

	annJSON, err := json.Marshal(ann)
	if err != nil {
		t.Fatal(err)
	}
	var annWire map[string]json.RawMessage
	if err := json.Unmarshal(annJSON, &annWire); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"event_id", "pair", "maturity", "oracle_pubkey", "num_digits", "r_points", "created_at"} {
		if _, ok := annWire[field]; !ok {
			t.Errorf("announcement missing %q: %s", field, annJSON)
		}
	}

	attJSON, err := json.Marshal(att)
	if err != nil {
		t.Fatal(err)
	}
	var attWire map[string]json.RawMessage
	if err := json.Unmarshal(attJSON, &attWire); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"event_id", "pair", "maturity", "oracle_pubkey", "price", "price_digits", "s_values", "attested_at"} {
		if _, ok := attWire[field]; !ok {
			t.Errorf("attestation missing %q: %s", field, attJSON)
		}
	}
	if att.Pair != "BTCUSD" || !att.Maturity.Equal(maturity) || att.OraclePubKey != ann.OraclePubKey {
		t.Fatalf("attestation does not carry the event identity: %+v", att)
	}
}

func TestOutcomeClamping(t *testing.T) {
	if got := clampOutcome(123456.0, 5); got != 99999 {
		t.Fatalf("overflow clamp = %d, want 99999", got)
	}
	if got := clampOutcome(-3.0, 5); got != 0 {
		t.Fatalf("negative clamp = %d, want 0", got)
	}
	if got := clampOutcome(69004.5, 5); got != 69005 {
		t.Fatalf("round = %d, want 69005", got)
	}
}

// ── Scheduler ─────────────────────────────────────────────────────────────────

type fixedEngine struct {
	value float64
	err   error
}

func (e fixedEngine) Domain() string { return "BTCUSD" }

func (e fixedEngine) Evaluate(_ context.Context) (oracle.Assertion, error) {
	if e.err != nil {
		return oracle.Assertion{}, e.err
	}
	return oracle.Assertion{Domain: "BTCUSD", Value: e.value}, nil
}

func TestSchedulerAnnouncesHorizon(t *testing.T) {
	attestor, store := newTestAttestor(t)
	engines := map[string]oracle.Engine{"BTCUSD": fixedEngine{value: 50000}}
	s := NewScheduler(attestor, store, engines, time.Hour, 3*time.Hour, time.Hour, zap.NewNop())

	s.tick(context.Background())

	anns, err := store.ListAnnouncements()
	if err != nil {
		t.Fatal(err)
	}
	if len(anns) != 3 {
		t.Fatalf("announced %d events for a 3h horizon, want 3", len(anns))
	}
	for _, ann := range anns {
		if ann.Maturity.Minute() != 0 || ann.Maturity.Second() != 0 {
			t.Fatalf("maturity not on the hour: %v", ann.Maturity)
		}
	}
}

func TestSchedulerAttestsMatured(t *testing.T) {
	attestor, store := newTestAttestor(t)
	engines := map[string]oracle.Engine{"BTCUSD": fixedEngine{value: 50000}}
	s := NewScheduler(attestor, store, engines, time.Hour, time.Hour, time.Hour, zap.NewNop())

	past := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Minute)
	ann, err := attestor.CreateAnnouncement("BTCUSD", past)
	if err != nil {
		t.Fatal(err)
	}

	s.attestMatured(context.Background(), time.Now().UTC())

	att, err := store.LoadAttestation(ann.EventID)
	if err != nil {
		t.Fatalf("no attestation after tick: %v", err)
	}
	if att.Price != 50000 {
		t.Fatalf("price = %d, want 50000", att.Price)
	}
}

func TestSchedulerMarksMissedPastGrace(t *testing.T) {
	attestor, store := newTestAttestor(t)
	engines := map[string]oracle.Engine{"BTCUSD": fixedEngine{value: 50000}}
	s := NewScheduler(attestor, store, engines, time.Hour, time.Hour, 30*time.Minute, zap.NewNop())

	old := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Minute)
	ann, err := attestor.CreateAnnouncement("BTCUSD", old)
	if err != nil {
		t.Fatal(err)
	}

	s.attestMatured(context.Background(), time.Now().UTC())

	if !store.IsMissed(ann.EventID) {
		t.Fatal("expired event not marked missed")
	}
	if store.HasAttestation(ann.EventID) {
		t.Fatal("expired event was attested")
	}

	// Terminal: later ticks must not attest it either.
	s.attestMatured(context.Background(), time.Now().UTC())
	if store.HasAttestation(ann.EventID) {
		t.Fatal("missed event attested on a later tick")
	}
}

func TestSchedulerRetriesWithinGrace(t *testing.T) {
	attestor, store := newTestAttestor(t)
	failing := map[string]oracle.Engine{"BTCUSD": fixedEngine{err: &oracle.QuorumError{Domain: "BTCUSD", Got: 1, Need: 3}}}
	s := NewScheduler(attestor, store, failing, time.Hour, time.Hour, time.Hour, zap.NewNop())

	recent := time.Now().UTC().Add(-5 * time.Minute).Truncate(time.Minute)
	ann, err := attestor.CreateAnnouncement("BTCUSD", recent)
	if err != nil {
		t.Fatal(err)
	}

	s.attestMatured(context.Background(), time.Now().UTC())
	if store.IsMissed(ann.EventID) || store.HasAttestation(ann.EventID) {
		t.Fatal("failed evaluation inside grace should leave the event pending")
	}

	// Feeds recover: the next tick attests.
	s.engines = map[string]oracle.Engine{"BTCUSD": fixedEngine{value: 49000}}
	s.attestMatured(context.Background(), time.Now().UTC())
	if !store.HasAttestation(ann.EventID) {
		t.Fatal("recovered event not attested")
	}
}
