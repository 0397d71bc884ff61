package analytics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/pkg/analytics"
)

func TestAnalytics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Analytics Writer Suite")
}

var _ = Describe("HTTPWriter", func() {
	It("posts the point as JSON and succeeds on 2xx", func() {
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := make([]byte, r.ContentLength)
			_, _ = r.Body.Read(buf)
			gotBody = buf
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		w := analytics.NewHTTPWriter(srv.URL)
		err := w.WritePoint(context.Background(), map[string]any{"cdn_total": float64(6500)})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(gotBody)).To(ContainSubstring("cdn_total"))
	})

	It("returns an error on a non-2xx response", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		w := analytics.NewHTTPWriter(srv.URL)
		err := w.WritePoint(context.Background(), map[string]any{"x": 1})
		Expect(err).To(HaveOccurred())
	})
})
