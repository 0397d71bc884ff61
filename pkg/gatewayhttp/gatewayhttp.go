// Package gatewayhttp implements the Retrieval Gateway's HTTP pipeline
// (§4.1, §6): host/CID parsing, candidate selection, bad-bits screening,
// origin fetch through the shared cache, and detached usage metering.
package gatewayhttp

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/filbeam/filbeam-core/internal/errors"
	"github.com/filbeam/filbeam-core/internal/httplog"
	"github.com/filbeam/filbeam-core/pkg/denylist"
	"github.com/filbeam/filbeam-core/pkg/metrics"
	"github.com/filbeam/filbeam-core/pkg/originfetch"
	"github.com/filbeam/filbeam-core/pkg/store"
)

// Store is the subset of pkg/store.Store the gateway pipeline needs.
type Store interface {
	GetRetrievalCandidatesAndValidatePayer(ctx context.Context, cid, payerAddress string, enforceQuota bool) ([]store.RetrievalCandidate, *apperrors.AppError)
	LogRetrievalResult(ctx context.Context, log store.RetrievalLog) error
	UpdateDataSetStats(ctx context.Context, dataSetID string, egress int64, cacheMiss, enforce bool) error
}

// Fetcher is the subset of pkg/originfetch.Fetcher the gateway drives.
type Fetcher interface {
	Fetch(ctx context.Context, serviceURL, cid, rangeHeader string, clientCacheTTLSeconds int) (*originfetch.Result, error)
}

// Config carries the values from internal/config.GatewayConfig the
// pipeline needs (§2, §6).
type Config struct {
	DNSRoot          string
	LegacyDomain     string
	MarketingSiteURL string
	BotTokens        map[string]string
	EnforceQuota     bool
	ClientCacheTTL   int
	CSPExtraOrigins  []string
}

// Handler implements the full retrieval pipeline as an http.Handler.
type Handler struct {
	store    Store
	denylist denylist.Checker
	fetcher  Fetcher
	log      logr.Logger
	cfg      Config
	metrics  *metrics.Registry
	drain    sync.WaitGroup
}

// New builds a Handler.
func New(s Store, dl denylist.Checker, f Fetcher, log logr.Logger, cfg Config) *Handler {
	return &Handler{store: s, denylist: dl, fetcher: f, log: log, cfg: cfg}
}

// SetMetrics attaches a metrics.Registry the pipeline will report
// request/cache/exhaustion counters to. Nil-safe: a Handler with no
// registry attached simply skips instrumentation.
func (h *Handler) SetMetrics(reg *metrics.Registry) *Handler {
	h.metrics = reg
	return h
}

// Routes mounts the gateway's single effective route plus the
// bypass-the-pipeline redirects (§4.1 closing paragraph, §6).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httplog.Middleware(h.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		MaxAge:         h.cfg.ClientCacheTTL,
	}))
	r.Use(h.hostClassifyMiddleware)
	r.Get("/{cid}", h.handleRetrieve)
	r.Head("/{cid}", h.handleRetrieve)
	r.Get("/", h.handleRoot)
	r.Head("/", h.handleRoot)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

type ctxKey string

const payerKey ctxKey = "payer"

// hostClassifyMiddleware implements the legacy-domain redirect and
// extracts the payer subdomain from the configured DNS root (§4.1 step
// 1, §6). Requests that don't parse as `<payer>.<dns_root>` fail with
// `400` before reaching the retrieval handler.
func (h *Handler) hostClassifyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := stripPort(r.Host)

		if host == h.cfg.LegacyDomain || strings.HasSuffix(host, "."+h.cfg.LegacyDomain) {
			newHost := strings.TrimSuffix(host, h.cfg.LegacyDomain) + h.cfg.DNSRoot
			target := "https://" + newHost + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		suffix := "." + h.cfg.DNSRoot
		if !strings.HasSuffix(host, suffix) || host == suffix[1:] {
			http.Error(w, "malformed host", http.StatusBadRequest)
			return
		}
		payer := strings.TrimSuffix(host, suffix)

		ctx := context.WithValue(r.Context(), payerKey, payer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func stripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// handleRoot implements §4.1's "pathless root... served as an HTTP
// redirect" to the marketing site.
func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.cfg.MarketingSiteURL, http.StatusFound)
}

// handleRetrieve implements §4.1 steps 1-8.
func (h *Handler) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payer, _ := ctx.Value(payerKey).(string)
	cid := chi.URLParam(r, "cid")

	if !strings.HasPrefix(cid, "baga") && !strings.HasPrefix(cid, "bafk") {
		http.Error(w, "malformed cid", http.StatusBadRequest)
		return
	}

	botName, authErr := h.identifyBot(r)
	if authErr {
		http.Error(w, "unauthorized bearer token", http.StatusUnauthorized)
		return
	}

	if !common.IsHexAddress(payer) {
		http.Error(w, "malformed payer address", http.StatusBadRequest)
		return
	}

	candidates, denied, appErr := h.selectCandidates(ctx, cid, payer)
	if denied {
		http.Error(w, "cid is denylisted", http.StatusNotFound)
		return
	}
	if appErr != nil {
		http.Error(w, appErr.Message, appErr.StatusCode)
		return
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	var attempted []store.RetrievalCandidate
	for len(candidates) > 0 {
		c := candidates[0]
		candidates = candidates[1:]
		attempted = append(attempted, c)

		res, err := h.fetcher.Fetch(ctx, c.ServiceURL, cid, r.Header.Get("Range"), h.cfg.ClientCacheTTL)
		if err != nil || res.StatusCode/100 == 5 {
			h.log.Error(err, "origin candidate failed", "serviceProviderId", c.ServiceProviderID, "serviceUrl", c.ServiceURL)
			continue
		}

		h.writeSuccessHeaders(w, c.DataSetID)
		w.WriteHeader(res.StatusCode)
		h.recordStatus(res.StatusCode)
		h.recordCacheResult(res.FromCache)
		h.streamAndMeter(r.Context(), w, res, c, botName, r.Method == http.MethodHead)
		return
	}

	if h.metrics != nil {
		h.metrics.CandidatesExhausted.Inc()
	}
	h.writeExhaustedResponse(w, attempted)
}

// recordStatus increments the request counter for status. Nil-safe.
func (h *Handler) recordStatus(status int) {
	if h.metrics == nil {
		return
	}
	h.metrics.RetrievalRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// recordCacheResult increments the origin cache hit/miss counter. Nil-safe.
func (h *Handler) recordCacheResult(fromCache bool) {
	if h.metrics == nil {
		return
	}
	result := "miss"
	if fromCache {
		result = "hit"
	}
	h.metrics.CacheResults.WithLabelValues(result).Inc()
}

// identifyBot implements §4.1 step 1's optional bearer-token
// identification. authErr is true when the header is present but
// malformed or unrecognized (→ 401).
func (h *Handler) identifyBot(r *http.Request) (name string, authErr bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", true
	}
	token := strings.TrimPrefix(auth, prefix)
	name, known := h.cfg.BotTokens[token]
	if !known {
		return "", true
	}
	return name, false
}

// selectCandidates runs candidate selection and the bad-bits denylist
// check concurrently (§4.1 step 4 "in parallel with (3)").
func (h *Handler) selectCandidates(ctx context.Context, cid, payer string) ([]store.RetrievalCandidate, bool, *apperrors.AppError) {
	g, gctx := errgroup.WithContext(ctx)
	var candidates []store.RetrievalCandidate
	var appErr *apperrors.AppError
	var denied bool

	g.Go(func() error {
		var err *apperrors.AppError
		candidates, err = h.store.GetRetrievalCandidatesAndValidatePayer(gctx, cid, payer, h.cfg.EnforceQuota)
		appErr = err
		return nil
	})
	g.Go(func() error {
		if h.denylist == nil {
			return nil
		}
		d, err := h.denylist.IsDenied(gctx, cid)
		if err != nil {
			h.log.Error(err, "denylist check failed, treating as not denied")
			return nil
		}
		denied = d
		return nil
	})
	_ = g.Wait()

	return candidates, denied, appErr
}

// writeSuccessHeaders implements §4.1 step 7's response envelope.
func (h *Handler) writeSuccessHeaders(w http.ResponseWriter, dataSetID string) {
	w.Header().Set("X-Data-Set-ID", dataSetID)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", h.cfg.ClientCacheTTL))
	w.Header().Set("Content-Security-Policy", h.csp())
}

func (h *Handler) csp() string {
	origins := "https://*." + h.cfg.DNSRoot
	for _, extra := range h.cfg.CSPExtraOrigins {
		origins += " " + extra
	}
	return fmt.Sprintf("default-src 'self'; connect-src 'self' %s; img-src 'self' %s", origins, origins)
}

// streamAndMeter implements §4.1 step 6 and §5's detached measurement
// branch: the client gets the response body immediately, while a
// background goroutine fed by an io.Pipe counts bytes, times the fetch,
// and records the retrieval (outliving a client disconnect).
func (h *Handler) streamAndMeter(ctx context.Context, w http.ResponseWriter, res *originfetch.Result, c store.RetrievalCandidate, botName string, headOnly bool) {
	fetchStart := time.Now()
	pr, pw := io.Pipe()
	tee := io.TeeReader(res.Body, pw)

	done := make(chan struct{})
	var egress int64
	go func() {
		defer close(done)
		n, _ := io.Copy(io.Discard, pr)
		egress = n
	}()

	var ttfbMs int64 = -1
	buf := make([]byte, 32*1024)
	for {
		n, readErr := tee.Read(buf)
		if n > 0 {
			if ttfbMs < 0 {
				ttfbMs = time.Since(fetchStart).Milliseconds()
			}
			if !headOnly && ctx.Err() == nil {
				w.Write(buf[:n])
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	pw.Close()
	res.Body.Close()
	<-done

	fetchTTLBMs := time.Since(fetchStart).Milliseconds()
	cacheMiss := !res.FromCache
	enforce := h.cfg.EnforceQuota

	h.drain.Add(1)
	go func() {
		defer h.drain.Done()
		h.recordRetrieval(c.DataSetID, res.StatusCode, egress, cacheMiss, ttfbMs, fetchTTLBMs, enforce, botName)
	}()
}

// Drain waits for every in-flight detached metering task to finish, up
// to ctx's deadline (§9 "drain by flushing pending log writes and quota
// decrements" on shutdown). Callers invoke this after the HTTP server
// has stopped accepting new requests.
func (h *Handler) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		h.drain.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// recordRetrieval runs detached from the request lifetime so the log
// row and stats update survive a client disconnect (§5).
func (h *Handler) recordRetrieval(dataSetID string, status int, egress int64, cacheMiss bool, ttfbMs, fetchTTLBMs int64, enforce bool, botName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if h.metrics != nil && egress > 0 {
		h.metrics.RetrievalBytesServed.Add(float64(egress))
	}

	dsID := dataSetID
	egressVal := egress
	cm := cacheMiss
	ttlb := fetchTTLBMs
	log := store.RetrievalLog{
		Timestamp:      time.Now(),
		ResponseStatus: status,
		EgressBytes:    &egressVal,
		CacheMiss:      &cm,
		FetchTTLBMs:    &ttlb,
		DataSetID:      &dsID,
	}
	if ttfbMs >= 0 {
		log.FetchTTFBMs = &ttfbMs
	}
	if botName != "" {
		log.BotName = &botName
	}
	if err := h.store.LogRetrievalResult(ctx, log); err != nil {
		h.log.Error(err, "logging retrieval result")
	}
	if err := h.store.UpdateDataSetStats(ctx, dataSetID, egress, cacheMiss, enforce); err != nil {
		h.log.Error(err, "updating data set stats")
	}
}

// writeExhaustedResponse implements §4.1 step 8's all-candidates-failed
// path: 502 with every attempted data set listed in X-Data-Set-ID and
// one `ID=<sp>(Service URL=<url>)` line per attempt in the body.
func (h *Handler) writeExhaustedResponse(w http.ResponseWriter, attempted []store.RetrievalCandidate) {
	ids := make([]string, len(attempted))
	lines := make([]string, len(attempted))
	for i, c := range attempted {
		ids[i] = c.DataSetID
		lines[i] = fmt.Sprintf("ID=%s(Service URL=%s)", c.ServiceProviderID, c.ServiceURL)
	}
	w.Header().Set("X-Data-Set-ID", strings.Join(ids, ","))
	w.WriteHeader(http.StatusBadGateway)
	h.recordStatus(http.StatusBadGateway)
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
