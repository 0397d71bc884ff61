package originfetch_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/pkg/originfetch"
)

func TestOriginFetch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Origin Fetch Suite")
}

var _ = Describe("Fetcher.Fetch", func() {
	var mr *miniredis.Miniredis
	var rdb *redis.Client
	var hits int32

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		atomic.StoreInt32(&hits, 0)
	})

	AfterEach(func() {
		rdb.Close()
		mr.Close()
	})

	It("caches a 2xx origin response and serves subsequent fetches from cache", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("piece-bytes"))
		}))
		defer srv.Close()

		f := originfetch.New(rdb, time.Minute, srv.Client())
		res1, err := f.Fetch(context.Background(), srv.URL, "bagatest", "", 86400)
		Expect(err).NotTo(HaveOccurred())
		body1, _ := io.ReadAll(res1.Body)
		Expect(string(body1)).To(Equal("piece-bytes"))
		Expect(res1.FromCache).To(BeFalse())

		res2, err := f.Fetch(context.Background(), srv.URL, "bagatest", "", 86400)
		Expect(err).NotTo(HaveOccurred())
		body2, _ := io.ReadAll(res2.Body)
		Expect(string(body2)).To(Equal("piece-bytes"))
		Expect(res2.FromCache).To(BeTrue())
		Expect(atomic.LoadInt32(&hits)).To(Equal(int32(1)))
	})

	It("keys the cache on range variant separately", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Range") != "" {
				w.WriteHeader(http.StatusPartialContent)
				w.Write([]byte("partial"))
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("full"))
		}))
		defer srv.Close()

		f := originfetch.New(rdb, time.Minute, srv.Client())
		full, err := f.Fetch(context.Background(), srv.URL, "bagatest", "", 86400)
		Expect(err).NotTo(HaveOccurred())
		fullBody, _ := io.ReadAll(full.Body)
		Expect(string(fullBody)).To(Equal("full"))

		partial, err := f.Fetch(context.Background(), srv.URL, "bagatest", "bytes=0-3", 86400)
		Expect(err).NotTo(HaveOccurred())
		partialBody, _ := io.ReadAll(partial.Body)
		Expect(string(partialBody)).To(Equal("partial"))
	})

	It("streams an oversize response through untruncated instead of caching it", func() {
		big := bytes.Repeat([]byte("x"), (64<<20)+10)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusOK)
			w.Write(big)
		}))
		defer srv.Close()

		f := originfetch.New(rdb, time.Minute, srv.Client())
		res1, err := f.Fetch(context.Background(), srv.URL, "bagatest", "", 86400)
		Expect(err).NotTo(HaveOccurred())
		body1, err := io.ReadAll(res1.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body1).To(Equal(big))
		Expect(res1.FromCache).To(BeFalse())

		res2, err := f.Fetch(context.Background(), srv.URL, "bagatest", "", 86400)
		Expect(err).NotTo(HaveOccurred())
		body2, err := io.ReadAll(res2.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(body2).To(Equal(big))
		Expect(res2.FromCache).To(BeFalse())
		Expect(atomic.LoadInt32(&hits)).To(Equal(int32(3)))
	})

	It("does not cache non-2xx origin responses", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		f := originfetch.New(rdb, time.Minute, srv.Client())
		_, err := f.Fetch(context.Background(), srv.URL, "bagatest", "", 86400)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.Fetch(context.Background(), srv.URL, "bagatest", "", 86400)
		Expect(err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&hits)).To(Equal(int32(2)))
	})
})
