package backend

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/dlc"
	"github.com/myceliasignal/slo/internal/oracle"
	"github.com/myceliasignal/slo/internal/signer"
)

// Handler serves aggregate-and-sign price endpoints plus the DLC event
// surface. It keeps the last outcome per engine for /oracle/status.
type Handler struct {
	engines map[string]oracle.Engine
	signer  *signer.Signer
	store   *dlc.Store
	log     *zap.Logger

	mu   sync.RWMutex
	last map[string]engineStatus
}

type engineStatus struct {
	Domain    string    `json:"domain"`
	Value     float64   `json:"value,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func NewHandler(engines map[string]oracle.Engine, sig *signer.Signer, store *dlc.Store, log *zap.Logger) *Handler {
	return &Handler{
		engines: engines,
		signer:  sig,
		store:   store,
		log:     log,
		last:    make(map[string]engineStatus),
	}
}

// Register mounts all routes. /oracle is a single catch-all because gin
// does not mix static segments with wildcards under one prefix.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.handleHealth)
	r.GET("/oracle/*pair", h.handleOracle)

	dlcGroup := r.Group("/dlc/oracle")
	dlcGroup.GET("/pubkey", h.handlePubkey)
	dlcGroup.GET("/announcements", h.handleAnnouncements)
	dlcGroup.GET("/announcements/:eid", h.handleAnnouncement)
	dlcGroup.GET("/attestations/:eid", h.handleAttestation)
	dlcGroup.GET("/status", h.handleDLCStatus)
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleOracle dispatches /oracle/status and /oracle/<pair>.
func (h *Handler) handleOracle(c *gin.Context) {
	pair := strings.Trim(c.Param("pair"), "/")
	if pair == "status" {
		h.handleStatus(c)
		return
	}
	engine, ok := h.engines[pair]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pair"})
		return
	}

	assertion, err := engine.Evaluate(c.Request.Context())
	if err != nil {
		h.recordStatus(pair, engineStatus{Domain: engine.Domain(), LastError: err.Error()})
		var qe *oracle.QuorumError
		if errors.As(err, &qe) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "insufficient_quorum",
				"got":   qe.Got,
				"need":  qe.Need,
			})
			return
		}
		h.log.Error("evaluation failed", zap.String("pair", pair), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "evaluation failed"})
		return
	}

	h.recordStatus(pair, engineStatus{
		Domain:    assertion.Domain,
		Value:     assertion.Value,
		UpdatedAt: time.Now(),
	})
	c.JSON(http.StatusOK, h.signer.SignECDSA(assertion).Response())
}

func (h *Handler) recordStatus(pair string, s engineStatus) {
	h.mu.Lock()
	h.last[pair] = s
	h.mu.Unlock()
}

func (h *Handler) handleStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pairs := make(map[string]any, len(h.engines))
	for pair, engine := range h.engines {
		if s, ok := h.last[pair]; ok {
			pairs[pair] = s
		} else {
			pairs[pair] = engineStatus{Domain: engine.Domain()}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"pubkey": h.signer.PublicKeyHex(),
		"pairs":  pairs,
	})
}

// ── DLC surface ─────────────────────────────────────────────────────────────

func (h *Handler) handlePubkey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pubkey": h.signer.PublicKeyHex()})
}

func (h *Handler) handleAnnouncements(c *gin.Context) {
	anns, err := h.store.ListAnnouncements()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, anns)
}

func (h *Handler) handleAnnouncement(c *gin.Context) {
	eid := c.Param("eid")
	ann, err := h.store.LoadAnnouncement(eid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown event"})
		return
	}
	c.JSON(http.StatusOK, ann)
}

// handleAttestation answers 425 for an announced event that has not
// matured yet, so clients can tell "too early" from "never existed".
func (h *Handler) handleAttestation(c *gin.Context) {
	eid := c.Param("eid")
	if att, err := h.store.LoadAttestation(eid); err == nil {
		c.JSON(http.StatusOK, att)
		return
	}
	if h.store.IsMissed(eid) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event_missed"})
		return
	}
	ann, err := h.store.LoadAnnouncement(eid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown event"})
		return
	}
	if ann.Maturity.After(time.Now()) {
		c.JSON(http.StatusTooEarly, gin.H{
			"error":    "not_yet_mature",
			"maturity": ann.Maturity,
		})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "attestation pending"})
}

func (h *Handler) handleDLCStatus(c *gin.Context) {
	anns, err := h.store.ListAnnouncements()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	var announced, attested, missed int
	for _, ann := range anns {
		announced++
		switch {
		case h.store.HasAttestation(ann.EventID):
			attested++
		case h.store.IsMissed(ann.EventID):
			missed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"pubkey":    h.signer.PublicKeyHex(),
		"announced": announced,
		"attested":  attested,
		"missed":    missed,
	})
}
