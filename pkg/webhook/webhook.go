// Package webhook implements the Event Indexer's authenticated webhook
// receiver (§4.2): one chi handler per chain-event path, each
// idempotently updating the store.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/filbeam/filbeam-core/internal/httplog"
	"github.com/filbeam/filbeam-core/pkg/epoch"
	"github.com/filbeam/filbeam-core/pkg/metrics"
	"github.com/filbeam/filbeam-core/pkg/pricekv"
	"github.com/filbeam/filbeam-core/pkg/quota"
	"github.com/filbeam/filbeam-core/pkg/sanctions"
	"github.com/filbeam/filbeam-core/pkg/store"
	"github.com/filbeam/filbeam-core/pkg/txqueue"
)

// Store is the subset of pkg/store.Store the webhook handlers need.
type Store interface {
	IsEventProcessed(ctx context.Context, eventType, entityID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventType, entityID string) error
	UpsertDataSet(ctx context.Context, ds store.DataSet) error
	UpsertWalletDetails(ctx context.Context, address string, isSanctioned bool, screenedAt time.Time) error
	UpsertPiece(ctx context.Context, p store.Piece) error
	MarkPiecesRemoved(ctx context.Context, pieceIDs []string) (map[string]bool, error)
	RecordServiceTerminated(ctx context.Context, dataSetID string, lockupUnlocksAt time.Time) error
	IncrementEgressQuotas(ctx context.Context, dataSetID string, cdnBytes, cacheMissBytes *big.Int) error
	UpsertServiceProvider(ctx context.Context, sp store.ServiceProvider) error
	MarkServiceProviderRemoved(ctx context.Context, id string) error
	RecordCDNPaymentSettled(ctx context.Context, dataSetID string, settledUntil time.Time) error
}

// Config carries values needed to interpret webhook payloads (§2, §4.2).
type Config struct {
	SecretHeader            string
	Secret                  string
	GenesisMs               int64
	DefaultLockupPeriodDays int
}

// Handler wires every §4.2 route.
type Handler struct {
	store     Store
	sanctions sanctions.Screener
	priceKV   *pricekv.Store
	queue     *txqueue.Queue
	log       logr.Logger
	cfg       Config
	validate  *validator.Validate
	metrics   *metrics.Registry
}

// SetMetrics attaches a metrics.Registry the handlers will report
// processed-event counts to. Nil-safe.
func (h *Handler) SetMetrics(reg *metrics.Registry) *Handler {
	h.metrics = reg
	return h
}

// recordEvent increments the webhook-events counter for kind/outcome.
// Nil-safe.
func (h *Handler) recordEvent(kind, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.WebhookEvents.WithLabelValues(kind, outcome).Inc()
}

// New builds a Handler; Routes builds its chi.Router.
func New(s Store, screener sanctions.Screener, priceKV *pricekv.Store, q *txqueue.Queue, log logr.Logger, cfg Config) *Handler {
	return &Handler{
		store:     s,
		sanctions: screener,
		priceKV:   priceKV,
		queue:     q,
		log:       log,
		cfg:       cfg,
		validate:  validator.New(),
	}
}

// Routes mounts every §4.2 path onto r, protected by the shared-secret
// auth middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httplog.Middleware(h.log))
	r.Use(h.authMiddleware)

	r.Post("/fwss/data-set-created", h.handleDataSetCreated)
	r.Post("/fwss/piece-added", h.handlePieceAdded)
	r.Post("/pdp-verifier/pieces-removed", h.handlePiecesRemoved)
	r.Post("/fwss/service-terminated", h.handleServiceTerminated)
	r.Post("/fwss/cdn-service-terminated", h.handleServiceTerminated)
	r.Post("/fwss/cdn-payment-rails-topped-up", h.handleCDNPaymentToppedUp)
	r.Post("/service-provider-registry/product-added", h.handleProductUpsert)
	r.Post("/service-provider-registry/product-updated", h.handleProductUpsert)
	r.Post("/service-provider-registry/product-removed", h.handleProductRemoved)
	r.Post("/service-provider-registry/provider-removed", h.handleProviderRemoved)
	r.Post("/filbeam-operator/cdn-payment-settled", h.handleCDNPaymentSettled)
	return r
}

// authMiddleware enforces the shared-secret header with a constant-time
// comparison (§4.2 "shared secret header must match").
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(h.cfg.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	h.log.V(1).Info("webhook schema mismatch", "error", err.Error())
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func decodeAndValidate[T any](h *Handler, r *http.Request) (T, error) {
	var payload T
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return payload, err
	}
	if err := h.validate.Struct(payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// dataSetCreatedPayload is the /fwss/data-set-created webhook body.
type dataSetCreatedPayload struct {
	DataSetID         string `json:"dataSetId" validate:"required"`
	ServiceProviderID string `json:"serviceProviderId" validate:"required"`
	PayerAddress      string `json:"payerAddress" validate:"required"`
	WithCDN           bool   `json:"withCdn"`
	WithIPFSIndexing  bool   `json:"withIpfsIndexing"`
}

// handleDataSetCreated screens the payer for sanctions, upserts a wallet
// record, and inserts the data set (§4.2). On any error, the request is
// re-enqueued for a delayed retry rather than failed outright.
func (h *Handler) handleDataSetCreated(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[dataSetCreatedPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	payer := strings.ToLower(payload.PayerAddress)

	if err := h.processDataSetCreated(r.Context(), payload, payer); err != nil {
		h.log.Error(err, "data-set-created failed, scheduling retry", "dataSetId", payload.DataSetID)
		h.recordEvent("data-set-created", "retry")
		scheduleRetry(10*time.Second, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if retryErr := h.processDataSetCreated(ctx, payload, payer); retryErr != nil {
				h.log.Error(retryErr, "data-set-created retry failed", "dataSetId", payload.DataSetID)
			}
		})
	} else {
		h.recordEvent("data-set-created", "ok")
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) processDataSetCreated(ctx context.Context, payload dataSetCreatedPayload, payer string) error {
	sanctioned := false
	if h.sanctions != nil {
		var err error
		sanctioned, err = h.sanctions.IsSanctioned(ctx, payer)
		if err != nil {
			return err
		}
	}
	if err := h.store.UpsertWalletDetails(ctx, payer, sanctioned, time.Now()); err != nil {
		return err
	}
	return h.store.UpsertDataSet(ctx, store.DataSet{
		ID:                payload.DataSetID,
		ServiceProviderID: payload.ServiceProviderID,
		PayerAddress:      payer,
		WithCDN:           payload.WithCDN,
		WithIPFSIndexing:  payload.WithIPFSIndexing,
	})
}

// pieceAddedPayload is the /fwss/piece-added webhook body. CapabilityKeys
// and CapabilityValues are parallel arrays (§4.2) decoded via
// zipCapabilities into ipfsRootCID/x402Price.
type pieceAddedPayload struct {
	DataSetID        string   `json:"dataSetId" validate:"required"`
	PayerAddress     string   `json:"payerAddress" validate:"required"`
	PieceCIDHex      string   `json:"pieceCidHex" validate:"required,hexadecimal"`
	BlockNumber      int64    `json:"blockNumber"`
	CapabilityKeys   []string `json:"capabilityKeys"`
	CapabilityValues []string `json:"capabilityValues"`
}

func (h *Handler) handlePieceAdded(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[pieceAddedPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	cidBytes, err := hex.DecodeString(strings.TrimPrefix(payload.PieceCIDHex, "0x"))
	if err != nil {
		h.badRequest(w, err)
		return
	}
	cid := string(cidBytes)

	caps, err := zipCapabilities(payload.CapabilityKeys, payload.CapabilityValues)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	var ipfsRootCID *string
	if v, ok := caps["ipfsRootCID"]; ok && v != "" {
		ipfsRootCID = &v
	}

	ctx := r.Context()
	if err := h.store.UpsertPiece(ctx, store.Piece{
		ID:          payload.DataSetID + ":" + cid,
		DataSetID:   payload.DataSetID,
		CID:         cid,
		IPFSRootCID: ipfsRootCID,
	}); err != nil {
		h.log.Error(err, "upserting piece")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if price, ok := caps["x402Price"]; ok && price != "" && payload.BlockNumber > 0 {
		payer := strings.ToLower(payload.PayerAddress)
		if err := h.priceKV.SetIfNewer(ctx, payer, cid, price, payload.BlockNumber); err != nil {
			h.log.Error(err, "writing x402 price kv")
		}
	}
	h.recordEvent("piece-added", "ok")
	w.WriteHeader(http.StatusOK)
}

// piecesRemovedPayload is the /pdp-verifier/pieces-removed webhook body.
type piecesRemovedPayload struct {
	PieceIDs []string `json:"pieceIds" validate:"required,min=1"`
}

func (h *Handler) handlePiecesRemoved(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[piecesRemovedPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	ctx := r.Context()
	remaining, err := h.store.MarkPiecesRemoved(ctx, payload.PieceIDs)
	if err != nil {
		h.log.Error(err, "marking pieces removed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for key, hasRemaining := range remaining {
		if hasRemaining {
			continue
		}
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if err := h.priceKV.Delete(ctx, parts[0], parts[1]); err != nil {
			h.log.Error(err, "deleting x402 price kv entry")
		}
	}
	h.recordEvent("pieces-removed", "ok")
	w.WriteHeader(http.StatusOK)
}

// serviceTerminatedPayload backs both /fwss/service-terminated and
// /fwss/cdn-service-terminated (§4.2).
type serviceTerminatedPayload struct {
	DataSetID   string `json:"dataSetId" validate:"required"`
	BlockNumber int64  `json:"blockNumber" validate:"required"`
}

func (h *Handler) handleServiceTerminated(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[serviceTerminatedPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	lockupUnlocksAt := epoch.ToTime(h.cfg.GenesisMs, payload.BlockNumber).
		Add(time.Duration(h.cfg.DefaultLockupPeriodDays) * 24 * time.Hour)
	if err := h.store.RecordServiceTerminated(r.Context(), payload.DataSetID, lockupUnlocksAt); err != nil {
		h.log.Error(err, "recording service terminated")
		h.recordEvent("service-terminated", "error")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.recordEvent("service-terminated", "ok")
	w.WriteHeader(http.StatusOK)
}

// cdnPaymentToppedUpPayload is the /fwss/cdn-payment-rails-topped-up
// webhook body (§4.2, §8 example-4 scenario).
type cdnPaymentToppedUpPayload struct {
	EventID            string `json:"eventId" validate:"required"`
	DataSetID          string `json:"dataSetId" validate:"required"`
	CDNAmountAdded     string `json:"cdnAmountAdded" validate:"required"`
	CacheMissAmountAdded string `json:"cacheMissAmountAdded" validate:"required"`
	RatePerTiB         string `json:"ratePerTiB" validate:"required"`
}

func (h *Handler) handleCDNPaymentToppedUp(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[cdnPaymentToppedUpPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	ctx := r.Context()

	processed, err := h.store.IsEventProcessed(ctx, "cdn-payment-rails-topped-up", payload.EventID)
	if err != nil {
		h.log.Error(err, "checking event idempotency")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if processed {
		w.WriteHeader(http.StatusOK)
		return
	}

	cdnAmount, ok1 := new(big.Int).SetString(payload.CDNAmountAdded, 10)
	cacheMissAmount, ok2 := new(big.Int).SetString(payload.CacheMissAmountAdded, 10)
	rate, ok3 := new(big.Int).SetString(payload.RatePerTiB, 10)
	if !ok1 || !ok2 || !ok3 {
		h.badRequest(w, errInvalidDecimal)
		return
	}

	cdnBytes := quota.CalculateEgressQuota(cdnAmount, rate)
	cacheMissBytes := quota.CalculateEgressQuota(cacheMissAmount, rate)

	if err := h.store.IncrementEgressQuotas(ctx, payload.DataSetID, cdnBytes, cacheMissBytes); err != nil {
		h.log.Error(err, "incrementing egress quotas")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.store.MarkEventProcessed(ctx, "cdn-payment-rails-topped-up", payload.EventID); err != nil {
		h.log.Error(err, "marking event processed")
	}
	h.recordEvent("cdn-payment-rails-topped-up", "ok")
	w.WriteHeader(http.StatusOK)
}

// productPayload backs the product-{added,updated,removed} routes. Only
// productType == 0 (PDP) is acted on (§4.2); others are acknowledged and
// ignored.
type productPayload struct {
	ServiceProviderID string   `json:"serviceProviderId" validate:"required"`
	ProductType       int      `json:"productType"`
	BlockNumber       int64    `json:"blockNumber" validate:"required"`
	CapabilityKeys    []string `json:"capabilityKeys"`
	CapabilityValues  []string `json:"capabilityValues"`
}

const productTypePDP = 0

func (h *Handler) handleProductUpsert(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[productPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if payload.ProductType != productTypePDP {
		w.WriteHeader(http.StatusOK)
		return
	}
	caps, err := zipCapabilities(payload.CapabilityKeys, payload.CapabilityValues)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	serviceURL, err := decodeHexUTF8(caps["serviceURL"])
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.store.UpsertServiceProvider(r.Context(), store.ServiceProvider{
		ID:          payload.ServiceProviderID,
		ServiceURL:  serviceURL,
		BlockNumber: payload.BlockNumber,
	}); err != nil {
		h.log.Error(err, "upserting service provider")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.recordEvent("product-upsert", "ok")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleProductRemoved(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[productPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if payload.ProductType != productTypePDP {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.store.MarkServiceProviderRemoved(r.Context(), payload.ServiceProviderID); err != nil {
		h.log.Error(err, "marking service provider removed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.recordEvent("product-removed", "ok")
	w.WriteHeader(http.StatusOK)
}

// providerRemovedPayload is the /service-provider-registry/provider-removed
// webhook body, which unconditionally removes regardless of product type.
type providerRemovedPayload struct {
	ServiceProviderID string `json:"serviceProviderId" validate:"required"`
}

func (h *Handler) handleProviderRemoved(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[providerRemovedPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.store.MarkServiceProviderRemoved(r.Context(), payload.ServiceProviderID); err != nil {
		h.log.Error(err, "marking service provider removed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.recordEvent("provider-removed", "ok")
	w.WriteHeader(http.StatusOK)
}

// cdnPaymentSettledPayload is the /filbeam-operator/cdn-payment-settled
// webhook body.
type cdnPaymentSettledPayload struct {
	DataSetID   string `json:"dataSetId" validate:"required"`
	BlockNumber int64  `json:"blockNumber" validate:"required"`
}

func (h *Handler) handleCDNPaymentSettled(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeAndValidate[cdnPaymentSettledPayload](h, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	settledUntil := epoch.ToTime(h.cfg.GenesisMs, payload.BlockNumber)
	if err := h.store.RecordCDNPaymentSettled(r.Context(), payload.DataSetID, settledUntil); err != nil {
		h.log.Error(err, "recording cdn payment settled")
		h.recordEvent("cdn-payment-settled", "error")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.recordEvent("cdn-payment-settled", "ok")
	w.WriteHeader(http.StatusOK)
}

func decodeHexUTF8(hexStr string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// scheduleRetry runs fn once after delay, detached from the request's
// lifetime (§9 "coroutine/background tasks"; §4.2 "enqueue a message for
// retry with 10-second delay" realized in-process since the only
// consumer is this same binary).
func scheduleRetry(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

var errInvalidDecimal = errors.New("invalid decimal amount")
