// Package dlc produces discreet-log-contract event announcements and
// Schnorr digit attestations on a fixed schedule. Events and their
// single-use nonce secrets live on disk so a restart can pick up where the
// previous process stopped.
package dlc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Announcement commits the oracle to attesting an event: the per-digit
// R points are fixed at announce time, before the outcome exists.
type Announcement struct {
	EventID      string    `json:"event_id"`
	Pair         string    `json:"pair"`
	Maturity     time.Time `json:"maturity"`
	OraclePubKey string    `json:"oracle_pubkey"`
	NumDigits    int       `json:"num_digits"`
	RPoints      []string  `json:"r_points"`
	CreatedAt    time.Time `json:"created_at"`
}

// Attestation reveals the price digits with one Schnorr scalar per digit,
// each bound to the announcement's R point at the same index.
type Attestation struct {
	EventID      string    `json:"event_id"`
	Pair         string    `json:"pair"`
	Maturity     time.Time `json:"maturity"`
	OraclePubKey string    `json:"oracle_pubkey"`
	Price        int64     `json:"price"`
	PriceDigits  []int     `json:"price_digits"`
	SValues      []string  `json:"s_values"`
	AttestedAt   time.Time `json:"attested_at"`
}

// Store keeps announcements, nonce secrets, and attestations as one JSON
// file each under dir. Nonce secret files are the only sensitive piece and
// are written 0600.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("dlc store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(eventID, kind string) string {
	// Event IDs embed RFC 3339 maturities; colons are fine in filenames
	// here but slashes are not, so reject anything path-like.
	safe := strings.ReplaceAll(eventID, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, safe+"."+kind+".json")
}

func (s *Store) writeJSON(path string, v any, mode os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, mode)
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) SaveAnnouncement(a Announcement) error {
	return s.writeJSON(s.path(a.EventID, "announcement"), a, 0o644)
}

func (s *Store) LoadAnnouncement(eventID string) (Announcement, error) {
	var a Announcement
	err := s.readJSON(s.path(eventID, "announcement"), &a)
	return a, err
}

// HasAnnouncement reports whether the event was already announced.
func (s *Store) HasAnnouncement(eventID string) bool {
	_, err := os.Stat(s.path(eventID, "announcement"))
	return err == nil
}

// ListAnnouncements returns every stored announcement, unordered.
func (s *Store) ListAnnouncements() ([]Announcement, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.announcement.json"))
	if err != nil {
		return nil, err
	}
	out := make([]Announcement, 0, len(matches))
	for _, m := range matches {
		var a Announcement
		if err := s.readJSON(m, &a); err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveNonceSecrets persists the per-digit nonce scalars for an announced
// event. Hex-encoded, file mode 0600.
func (s *Store) SaveNonceSecrets(eventID string, secrets []string) error {
	return s.writeJSON(s.path(eventID, "nonces"), secrets, 0o600)
}

// TakeNonceSecrets loads the nonce scalars and deletes them in one step.
// A second call for the same event fails, which is what makes the nonces
// single-use: signing twice with one nonce would leak the oracle key.
func (s *Store) TakeNonceSecrets(eventID string) ([]string, error) {
	path := s.path(eventID, "nonces")
	var secrets []string
	if err := s.readJSON(path, &secrets); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("retire nonces: %w", err)
	}
	return secrets, nil
}

func (s *Store) SaveAttestation(a Attestation) error {
	return s.writeJSON(s.path(a.EventID, "attestation"), a, 0o644)
}

func (s *Store) LoadAttestation(eventID string) (Attestation, error) {
	var a Attestation
	err := s.readJSON(s.path(eventID, "attestation"), &a)
	return a, err
}

func (s *Store) HasAttestation(eventID string) bool {
	_, err := os.Stat(s.path(eventID, "attestation"))
	return err == nil
}

// MarkMissed records that the event's attestation window closed without an
// outcome. Terminal: a missed event is never attested later.
func (s *Store) MarkMissed(eventID string, reason string) error {
	rec := map[string]string{
		"event_id":  eventID,
		"reason":    reason,
		"missed_at": time.Now().UTC().Format(time.RFC3339),
	}
	return s.writeJSON(s.path(eventID, "missed"), rec, 0o644)
}

func (s *Store) IsMissed(eventID string) bool {
	_, err := os.Stat(s.path(eventID, "missed"))
	return err == nil
}
