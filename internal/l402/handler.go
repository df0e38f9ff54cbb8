package l402

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Route is a paid exact-path route.
type Route struct {
	Backend   string
	PriceSats int64
}

// PrefixRoute is a paid route matched by path prefix.
type PrefixRoute struct {
	Prefix    string
	Backend   string
	PriceSats int64
}

// InvoiceCreator is satisfied by *LNDClient.
// Decoupled here so handler tests can use a mock node.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (string, []byte, error)
}

// Handler gates the oracle backend behind L402 tokens. Free routes pass
// through, paid routes answer 402 with an invoice challenge until the
// caller presents a macaroon plus the settled invoice's preimage.
type Handler struct {
	routes   map[string]Route
	prefixes []PrefixRoute
	free     map[string]string
	lnd      InvoiceCreator
	minter   *Minter
	log      *zap.Logger

	mu      sync.Mutex
	proxies map[string]*httputil.ReverseProxy
}

func NewHandler(routes map[string]Route, prefixes []PrefixRoute, free map[string]string,
	lnd InvoiceCreator, minter *Minter, log *zap.Logger) *Handler {
	return &Handler{
		routes:   routes,
		prefixes: prefixes,
		free:     free,
		lnd:      lnd,
		minter:   minter,
		log:      log,
		proxies:  make(map[string]*httputil.ReverseProxy),
	}
}

// Register mounts the handler as the engine's catch-all: the route tables
// come from config, so nothing is registered statically.
func (h *Handler) Register(r *gin.Engine) {
	r.NoRoute(h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	path := c.Request.URL.Path

	if backend, ok := h.free[path]; ok {
		h.forward(c, backend)
		return
	}

	route, ok := h.resolve(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	auth := c.GetHeader("Authorization")
	if scheme, credential, found := splitScheme(auth); found {
		if scheme != "L402" && scheme != "LSAT" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unsupported auth scheme"})
			return
		}
		if err := h.minter.VerifyToken(credential); err != nil {
			h.log.Info("token rejected", zap.String("path", path), zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		h.forward(c, route.Backend)
		return
	}

	h.challenge(c, path, route)
}

// resolve finds the paid route for path: an exact match wins, otherwise
// the longest matching prefix does, so /dlc/oracle/attestations/ is never
// shadowed by a broader /dlc/ route.
func (h *Handler) resolve(path string) (Route, bool) {
	if route, ok := h.routes[path]; ok {
		return route, true
	}
	var best *PrefixRoute
	for i := range h.prefixes {
		pr := &h.prefixes[i]
		if !strings.HasPrefix(path, pr.Prefix) {
			continue
		}
		if best == nil || len(pr.Prefix) > len(best.Prefix) {
			best = pr
		}
	}
	if best == nil {
		return Route{}, false
	}
	return Route{Backend: best.Backend, PriceSats: best.PriceSats}, true
}

// challenge answers 402 with a fresh invoice and a macaroon bound to its
// payment hash. The body carries no assertion data.
func (h *Handler) challenge(c *gin.Context, path string, route Route) {
	payReq, rHash, err := h.lnd.CreateInvoice(c.Request.Context(), route.PriceSats, "slo "+path)
	if err != nil {
		h.log.Error("invoice creation failed", zap.String("path", path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invoice creation failed"})
		return
	}
	macB64, err := h.minter.Mint(rHash)
	if err != nil {
		h.log.Error("macaroon mint failed", zap.String("path", path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "macaroon creation failed"})
		return
	}
	c.Header("WWW-Authenticate", fmt.Sprintf(`L402 macaroon="%s", invoice="%s"`, macB64, payReq))
	c.String(http.StatusPaymentRequired, "Payment Required")
}

// forward streams the backend response verbatim. The Authorization header
// is stripped so payment tokens never reach the backend.
func (h *Handler) forward(c *gin.Context, backend string) {
	proxy, err := h.proxyFor(backend)
	if err != nil {
		h.log.Error("bad backend url", zap.String("backend", backend), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "backend misconfigured"})
		return
	}
	proxy.ServeHTTP(safeWriter{c.Writer}, c.Request)
}

func (h *Handler) proxyFor(backend string) (*httputil.ReverseProxy, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if proxy, ok := h.proxies[backend]; ok {
		return proxy, nil
	}
	target, err := url.Parse(backend)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	orig := proxy.Director
	proxy.Director = func(req *http.Request) {
		orig(req)
		req.Header.Del("Authorization")
		req.Host = target.Host
	}
	h.proxies[backend] = proxy
	return proxy, nil
}

func splitScheme(auth string) (scheme, credential string, ok bool) {
	if auth == "" {
		return "", "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// safeWriter wraps gin.ResponseWriter and overrides CloseNotify so the
// reverse proxy never type-asserts the underlying writer. The concrete
// writer in tests (*httptest.ResponseRecorder) does not implement the
// deprecated http.CloseNotifier and would panic inside net/http.
//
//nolint:staticcheck
type safeWriter struct{ gin.ResponseWriter }

//nolint:staticcheck
func (s safeWriter) CloseNotify() <-chan bool { return make(chan bool, 1) }
