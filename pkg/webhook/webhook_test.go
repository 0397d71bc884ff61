package webhook_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/pkg/pricekv"
	"github.com/filbeam/filbeam-core/pkg/store"
	"github.com/filbeam/filbeam-core/pkg/webhook"
)

func TestWebhook(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Webhook Suite")
}

const (
	secretHeader = "X-FilBeam-Webhook-Secret"
	secret       = "test-secret"
)

type fakeStore struct {
	dataSets       map[string]store.DataSet
	wallets        map[string]bool
	pieces         map[string]store.Piece
	removed        map[string]bool
	terminated     map[string]time.Time
	quotas         map[string][2]*big.Int
	providers      map[string]store.ServiceProvider
	providerGone   map[string]bool
	settled        map[string]time.Time
	processed      map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		dataSets:     map[string]store.DataSet{},
		wallets:      map[string]bool{},
		pieces:       map[string]store.Piece{},
		removed:      map[string]bool{},
		terminated:   map[string]time.Time{},
		quotas:       map[string][2]*big.Int{},
		providers:    map[string]store.ServiceProvider{},
		providerGone: map[string]bool{},
		settled:      map[string]time.Time{},
		processed:    map[string]bool{},
	}
}

func (f *fakeStore) IsEventProcessed(ctx context.Context, eventType, entityID string) (bool, error) {
	return f.processed[eventType+":"+entityID], nil
}

func (f *fakeStore) MarkEventProcessed(ctx context.Context, eventType, entityID string) error {
	f.processed[eventType+":"+entityID] = true
	return nil
}

func (f *fakeStore) UpsertDataSet(ctx context.Context, ds store.DataSet) error {
	f.dataSets[ds.ID] = ds
	return nil
}

func (f *fakeStore) UpsertWalletDetails(ctx context.Context, address string, isSanctioned bool, screenedAt time.Time) error {
	f.wallets[address] = isSanctioned
	return nil
}

func (f *fakeStore) UpsertPiece(ctx context.Context, p store.Piece) error {
	f.pieces[p.ID] = p
	return nil
}

func (f *fakeStore) MarkPiecesRemoved(ctx context.Context, pieceIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range pieceIDs {
		f.removed[id] = true
		if p, ok := f.pieces[id]; ok {
			out[p.DataSetID+":"+p.CID] = false
		}
	}
	return out, nil
}

func (f *fakeStore) RecordServiceTerminated(ctx context.Context, dataSetID string, lockupUnlocksAt time.Time) error {
	f.terminated[dataSetID] = lockupUnlocksAt
	return nil
}

func (f *fakeStore) IncrementEgressQuotas(ctx context.Context, dataSetID string, cdnBytes, cacheMissBytes *big.Int) error {
	f.quotas[dataSetID] = [2]*big.Int{cdnBytes, cacheMissBytes}
	return nil
}

func (f *fakeStore) UpsertServiceProvider(ctx context.Context, sp store.ServiceProvider) error {
	f.providers[sp.ID] = sp
	return nil
}

func (f *fakeStore) MarkServiceProviderRemoved(ctx context.Context, id string) error {
	f.providerGone[id] = true
	return nil
}

func (f *fakeStore) RecordCDNPaymentSettled(ctx context.Context, dataSetID string, settledUntil time.Time) error {
	f.settled[dataSetID] = settledUntil
	return nil
}

type fakeScreener struct {
	sanctioned map[string]bool
}

func (f *fakeScreener) IsSanctioned(ctx context.Context, address string) (bool, error) {
	return f.sanctioned[address], nil
}

func newTestHandler(fs *fakeStore, fsc *fakeScreener) *webhook.Handler {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	priceKV := pricekv.New(rdb)

	return webhook.New(fs, fsc, priceKV, nil, logr.Discard(), webhook.Config{
		SecretHeader:            secretHeader,
		Secret:                  secret,
		GenesisMs:               1598306400000,
		DefaultLockupPeriodDays: 10,
	})
}

func doRequest(h *webhook.Handler, method, path string, body any, withSecret bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if withSecret {
		req.Header.Set(secretHeader, secret)
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

var _ = Describe("Handler", func() {
	var fs *fakeStore
	var fsc *fakeScreener
	var h *webhook.Handler

	BeforeEach(func() {
		fs = newFakeStore()
		fsc = &fakeScreener{sanctioned: map[string]bool{}}
		h = newTestHandler(fs, fsc)
	})

	It("rejects requests missing the shared secret", func() {
		rec := doRequest(h, http.MethodPost, "/fwss/data-set-created", map[string]any{
			"dataSetId": "1", "serviceProviderId": "sp1", "payerAddress": "0xabc",
		}, false)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("screens the payer and upserts the data set on data-set-created", func() {
		fsc.sanctioned["0xabc"] = true
		rec := doRequest(h, http.MethodPost, "/fwss/data-set-created", map[string]any{
			"dataSetId": "1", "serviceProviderId": "sp1", "payerAddress": "0xABC", "withCdn": true,
		}, true)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(fs.wallets["0xabc"]).To(BeTrue())
		Expect(fs.dataSets["1"].PayerAddress).To(Equal("0xabc"))
		Expect(fs.dataSets["1"].WithCDN).To(BeTrue())
	})

	It("decodes a hex piece CID and records the piece's ipfs root CID", func() {
		cidHex := hex.EncodeToString([]byte("bafy-test-cid"))
		rec := doRequest(h, http.MethodPost, "/fwss/piece-added", map[string]any{
			"dataSetId":        "1",
			"payerAddress":     "0xABC",
			"pieceCidHex":      cidHex,
			"blockNumber":      42,
			"capabilityKeys":   []string{"x402Price", "ipfsRootCID"},
			"capabilityValues": []string{"1000", "bafyroot"},
		}, true)
		Expect(rec.Code).To(Equal(http.StatusOK))
		piece, ok := fs.pieces["1:bafy-test-cid"]
		Expect(ok).To(BeTrue())
		Expect(*piece.IPFSRootCID).To(Equal("bafyroot"))
	})

	It("computes egress quotas from the rails-topped-up payload and is idempotent on eventId", func() {
		body := map[string]any{
			"eventId":              "evt-1",
			"dataSetId":            "1",
			"cdnAmountAdded":       "1099511627776",
			"cacheMissAmountAdded": "1099511627776",
			"ratePerTiB":           "1099511627776",
		}
		rec := doRequest(h, http.MethodPost, "/fwss/cdn-payment-rails-topped-up", body, true)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(fs.quotas["1"][0].String()).To(Equal("1099511627776"))

		q := fs.quotas["1"]
		q[0] = big.NewInt(0)
		fs.quotas["1"] = q
		rec2 := doRequest(h, http.MethodPost, "/fwss/cdn-payment-rails-topped-up", body, true)
		Expect(rec2.Code).To(Equal(http.StatusOK))
		Expect(fs.quotas["1"][0].String()).To(Equal("0"))
	})

	It("marks the service provider removed regardless of product type", func() {
		rec := doRequest(h, http.MethodPost, "/service-provider-registry/provider-removed", map[string]any{
			"serviceProviderId": "sp1",
		}, true)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(fs.providerGone["sp1"]).To(BeTrue())
	})

	It("records a settlement watermark for cdn-payment-settled", func() {
		rec := doRequest(h, http.MethodPost, "/filbeam-operator/cdn-payment-settled", map[string]any{
			"dataSetId": "1", "blockNumber": 100,
		}, true)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(fs.settled["1"]).To(Equal(time.UnixMilli(1598306400000 + 100*30_000)))
	})
})
