package dlc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/oracle"
)

// Scheduler drives the attestor: every tick it announces the upcoming hour
// boundaries inside the horizon and attests events whose maturity passed.
// Events that slipped past the grace window are marked missed and never
// attested late.
type Scheduler struct {
	attestor *Attestor
	store    *Store
	engines  map[string]oracle.Engine
	interval time.Duration
	horizon  time.Duration
	grace    time.Duration
	log      *zap.Logger
}

func NewScheduler(attestor *Attestor, store *Store, engines map[string]oracle.Engine,
	interval, horizon, grace time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		attestor: attestor,
		store:    store,
		engines:  engines,
		interval: interval,
		horizon:  horizon,
		grace:    grace,
		log:      log,
	}
}

// Run ticks until ctx is cancelled. The first tick happens immediately so a
// restart recovers announcements and overdue attestations without waiting
// a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	s.announceHorizon(now)
	s.attestMatured(ctx, now)
}

// announceHorizon makes sure every hour boundary between now and
// now+horizon has an announcement for every scheduled pair.
func (s *Scheduler) announceHorizon(now time.Time) {
	for t := now.Truncate(time.Hour).Add(time.Hour); !t.After(now.Add(s.horizon)); t = t.Add(time.Hour) {
		for pair := range s.engines {
			eventID := EventID(pair, t)
			if s.store.HasAnnouncement(eventID) {
				continue
			}
			if _, err := s.attestor.CreateAnnouncement(pair, t); err != nil {
				s.log.Error("announce failed", zap.String("event", eventID), zap.Error(err))
				continue
			}
			s.log.Info("announced event", zap.String("event", eventID), zap.Time("maturity", t))
		}
	}
}

// attestMatured signs every announced event whose maturity passed. Inside
// the grace window an evaluation failure is retried on the next tick; past
// it the event is marked missed.
func (s *Scheduler) attestMatured(ctx context.Context, now time.Time) {
	anns, err := s.store.ListAnnouncements()
	if err != nil {
		s.log.Error("list announcements", zap.Error(err))
		return
	}
	for _, ann := range anns {
		if ann.Maturity.After(now) {
			continue
		}
		if s.store.HasAttestation(ann.EventID) || s.store.IsMissed(ann.EventID) {
			continue
		}
		if now.Sub(ann.Maturity) > s.grace {
			if err := s.store.MarkMissed(ann.EventID, "attestation window expired"); err != nil {
				s.log.Error("mark missed", zap.String("event", ann.EventID), zap.Error(err))
				continue
			}
			s.log.Warn("event missed", zap.String("event", ann.EventID), zap.Time("maturity", ann.Maturity))
			continue
		}

		engine, ok := s.engines[ann.Pair]
		if !ok {
			s.log.Error("no engine for announced pair", zap.String("pair", ann.Pair))
			continue
		}
		assertion, err := engine.Evaluate(ctx)
		if err != nil {
			s.log.Warn("evaluation failed, will retry", zap.String("event", ann.EventID), zap.Error(err))
			continue
		}
		att, err := s.attestor.CreateAttestation(ann.EventID, assertion.Value)
		if err != nil {
			s.log.Error("attest failed", zap.String("event", ann.EventID), zap.Error(err))
			continue
		}
		s.log.Info("attested event",
			zap.String("event", ann.EventID),
			zap.Int64("price", att.Price))
	}
}
