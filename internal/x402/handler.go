package x402

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/signer"
)

// Route is a paid oracle endpoint: the backend URL serving the attestation
// and its price in USD.
type Route struct {
	Backend  string
	PriceUSD float64
}

const x402Version = 1

// Handler gates the oracle backend behind USDC payments. Challenges carry a
// single-use nonce; payment headers are verified optimistically against the
// chain and the response is re-signed with the rail's Ed25519 key.
type Handler struct {
	routes      map[string]Route
	free        map[string]string
	nonces      *NonceStore
	enforcement *EnforcementStore
	breaker     *DepegBreaker
	verifier    Verifier
	settler     *Settler
	signer      *signer.Signer
	network     string
	contract    string
	recipient   string
	publicBase  string
	http        *http.Client
	log         *zap.Logger
}

func NewHandler(routes map[string]Route, free map[string]string,
	nonces *NonceStore, enforcement *EnforcementStore, breaker *DepegBreaker,
	verifier Verifier, settler *Settler, sig *signer.Signer,
	network, contract, recipient, publicBase string, log *zap.Logger) *Handler {
	return &Handler{
		routes:      routes,
		free:        free,
		nonces:      nonces,
		enforcement: enforcement,
		breaker:     breaker,
		verifier:    verifier,
		settler:     settler,
		signer:      sig,
		network:     network,
		contract:    contract,
		recipient:   recipient,
		publicBase:  publicBase,
		http:        &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}
}

// Register mounts the info endpoints statically and everything else as the
// catch-all, since the paid route table comes from config.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/sho/info", h.handleInfo)
	r.GET("/sho/enforcement/:address", h.handleEnforcement)
	r.NoRoute(h.handle)
}

func (h *Handler) handleInfo(c *gin.Context) {
	peg := h.breaker.Status()
	endpoints := make(map[string]gin.H, len(h.routes))
	for path, route := range h.routes {
		endpoints[path] = gin.H{"price_usd": route.PriceUSD}
	}
	c.JSON(http.StatusOK, gin.H{
		"protocol":        "x402",
		"signing_scheme":  signer.SchemeEd25519,
		"pubkey":          h.signer.Ed25519PublicKeyHex(),
		"payment_chain":   h.network,
		"payment_asset":   "USDC",
		"payment_address": h.recipient,
		"usdc_contract":   h.contract,
		"depeg_active":    !peg.Pegged,
		"endpoints":       endpoints,
	})
}

func (h *Handler) handleEnforcement(c *gin.Context) {
	status, err := h.enforcement.Check(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enforcement_unavailable"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) handle(c *gin.Context) {
	path := c.Request.URL.Path

	if backend, ok := h.free[path]; ok {
		h.relay(c, backend)
		return
	}
	route, ok := h.routes[path]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	if peg := h.breaker.Status(); !peg.Pegged {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "depeg_circuit_breaker",
			"message":   "USDC payment suspended: stablecoin deviation exceeds threshold",
			"usdc_rate": peg.Rate,
			"threshold": h.breaker.Tolerance(),
		})
		return
	}

	header := c.GetHeader("X-Payment")
	if header == "" {
		h.challenge(c, path, route)
		return
	}

	payment, err := parsePaymentHeader(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payment_header", "detail": err.Error()})
		return
	}

	if payment.Signature != "" {
		sig, err := hex.DecodeString(payment.Signature)
		if err != nil || VerifyPayerSignature(payment.TxHash, payment.Nonce, payment.From, sig) != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payer_signature"})
			return
		}
	}

	ok, err = h.nonces.Redeem(c.Request.Context(), payment.Nonce)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "nonce_store_unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_or_expired_nonce"})
		return
	}

	status, err := h.enforcement.Check(c.Request.Context(), payment.From)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enforcement_unavailable"})
		return
	}
	if !status.Allowed {
		c.JSON(http.StatusForbidden, gin.H{
			"error":  "payment_address_blocked",
			"reason": status.Reason,
			"tier":   status.Tier,
		})
		return
	}

	verification, err := h.verifier.VerifyTransfer(c.Request.Context(), payment.TxHash, route.PriceUSD)
	if err != nil {
		h.log.Error("chain verification error", zap.String("tx", payment.TxHash), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "settlement_chain_unavailable"})
		return
	}
	if !verification.Valid {
		if err := h.enforcement.RecordFailure(c.Request.Context(), payment.From); err != nil {
			h.log.Error("record failure", zap.Error(err))
		}
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":  "payment_verification_failed",
			"detail": verification.Reason,
		})
		return
	}

	bundle, err := h.fetchBundle(c, route.Backend)
	if err != nil {
		h.log.Error("backend error", zap.String("backend", route.Backend), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "oracle_backend_error"})
		return
	}
	if bundle.Canonical == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "backend_missing_canonical"})
		return
	}

	if !verification.Confirmed {
		pending := PendingPayment{
			TxHash:    payment.TxHash,
			From:      normalizeAddr(payment.From),
			AmountUSD: route.PriceUSD,
			CreatedAt: time.Now(),
		}
		if err := h.settler.Enqueue(c.Request.Context(), pending); err != nil {
			h.log.Error("enqueue pending payment", zap.String("tx", payment.TxHash), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"domain":         bundle.Domain,
		"canonical":      bundle.Canonical,
		"signature":      h.signer.ResignEd25519(bundle.Canonical),
		"signing_scheme": signer.SchemeEd25519,
		"pubkey":         h.signer.Ed25519PublicKeyHex(),
		"payment": gin.H{
			"protocol":  "x402",
			"tx_hash":   payment.TxHash,
			"confirmed": verification.Confirmed,
		},
	})
}

// challenge answers 402 with the payment requirements and a fresh nonce.
// The accepts array also rides in the Payment-Required header, base64
// encoded, for clients that only read headers.
func (h *Handler) challenge(c *gin.Context, path string, route Route) {
	nonce, err := h.nonces.Mint(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "nonce_store_unavailable"})
		return
	}
	ttlSecs := int(h.nonces.TTL().Seconds())
	resource := h.publicBase + path

	accepts := []gin.H{{
		"scheme":            "exact",
		"network":           h.network,
		"maxAmountRequired": usdcAmount(route.PriceUSD).String(),
		"asset":             h.contract,
		"payTo":             h.recipient,
		"resource":          resource,
		"mimeType":          "application/json",
		"description":       "Signed price attestation",
		"outputSchema": gin.H{
			"input":  gin.H{"type": "http", "method": "GET", "url": resource},
			"output": gin.H{"type": "object", "description": "Signed price attestation with canonical verification string"},
		},
		"maxTimeoutSeconds": ttlSecs,
	}}

	headerPayload, _ := json.Marshal(gin.H{"x402Version": x402Version, "accepts": accepts})
	c.Header("Payment-Required", base64.StdEncoding.EncodeToString(headerPayload))
	c.JSON(http.StatusPaymentRequired, gin.H{
		"x402Version": x402Version,
		"accepts":     accepts,
		"error":       "X-PAYMENT header is required",
		"x402": gin.H{
			"version":    fmt.Sprintf("%d", x402Version),
			"chain":      h.network,
			"asset":      "USDC",
			"contract":   h.contract,
			"recipient":  h.recipient,
			"amount":     fmt.Sprintf("%g", route.PriceUSD),
			"nonce":      nonce,
			"expires_in": ttlSecs,
		},
	})
}

type paymentHeader struct {
	TxHash    string `json:"tx_hash"`
	Nonce     string `json:"nonce"`
	From      string `json:"from"`
	Signature string `json:"signature,omitempty"`
}

// parsePaymentHeader accepts base64-wrapped JSON and, for older clients,
// the raw JSON form.
func parsePaymentHeader(header string) (paymentHeader, error) {
	raw := []byte(header)
	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
		raw = decoded
	}
	var p paymentHeader
	if err := json.Unmarshal(raw, &p); err != nil {
		return paymentHeader{}, err
	}
	if p.TxHash == "" || p.Nonce == "" {
		return paymentHeader{}, fmt.Errorf("tx_hash and nonce are required")
	}
	if p.From == "" {
		p.From = "unknown"
	}
	return p, nil
}

type backendBundle struct {
	Domain    string `json:"domain"`
	Canonical string `json:"canonical"`
}

func (h *Handler) fetchBundle(c *gin.Context, backend string) (backendBundle, error) {
	var bundle backendBundle
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, backend, nil)
	if err != nil {
		return bundle, err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return bundle, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bundle, fmt.Errorf("backend status %d", resp.StatusCode)
	}
	return bundle, json.NewDecoder(resp.Body).Decode(&bundle)
}

// relay fetches a free backend endpoint and passes the body through.
func (h *Handler) relay(c *gin.Context, backend string) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, backend, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "backend misconfigured"})
		return
	}
	resp, err := h.http.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "oracle_backend_error"})
		return
	}
	defer resp.Body.Close()
	c.Status(resp.StatusCode)
	c.Header("Content-Type", resp.Header.Get("Content-Type"))
	io.Copy(c.Writer, resp.Body) //nolint:errcheck
}
