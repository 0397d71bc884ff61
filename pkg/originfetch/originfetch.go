// Package originfetch implements the retrieval gateway's shared origin
// cache (§4.1 step 5, §5 "process-wide... safe under concurrent
// writes"). A Redis-backed cache is keyed by service URL, CID, and range
// variant; concurrent misses for the same key collapse into one origin
// GET via singleflight.
package originfetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// maxCachedBodyBytes bounds what the shared cache will hold; larger
// origin responses are still served, just never cached.
const maxCachedBodyBytes = 64 << 20

// errOversize signals that an origin response exceeded maxCachedBodyBytes
// and must be re-fetched on the uncoalesced streaming path rather than
// returned truncated from the singleflight-shared buffer.
var errOversize = errors.New("origin response exceeds cacheable size")

// Result is an origin response, either freshly fetched or served from
// cache.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	FromCache  bool
}

// entry is the cached representation of a 2xx origin response.
type entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher performs origin fetches behind the shared cache.
type Fetcher struct {
	rdb    *redis.Client
	client *http.Client
	ttl    time.Duration
	sf     singleflight.Group

	// oversize remembers cache keys already known to exceed
	// maxCachedBodyBytes so repeat fetches skip straight to the
	// streaming path instead of re-discovering this via errOversize
	// every time.
	oversize sync.Map
}

// New builds a Fetcher. httpClient defaults to http.DefaultClient if nil.
func New(rdb *redis.Client, ttl time.Duration, httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Fetcher{rdb: rdb, client: httpClient, ttl: ttl}
}

// Fetch retrieves <serviceURL>/piece/<cid>, honoring rangeHeader, behind
// the shared cache. clientCacheTTLSeconds rewrites the Cache-Control
// header on cacheable responses (§4.1 step 5/7).
func (f *Fetcher) Fetch(ctx context.Context, serviceURL, cid, rangeHeader string, clientCacheTTLSeconds int) (*Result, error) {
	key := cacheKey(serviceURL, cid, rangeHeader)

	if cached, ok := f.readCache(ctx, key); ok {
		return &Result{
			StatusCode: cached.StatusCode,
			Header:     cached.Header,
			Body:       io.NopCloser(bytes.NewReader(cached.Body)),
			FromCache:  true,
		}, nil
	}

	if _, known := f.oversize.Load(key); known {
		return f.streamDirect(ctx, serviceURL, cid, rangeHeader, clientCacheTTLSeconds)
	}

	v, err, _ := f.sf.Do(key, func() (interface{}, error) {
		return f.doFetch(ctx, serviceURL, cid, rangeHeader, clientCacheTTLSeconds, key)
	})
	if errors.Is(err, errOversize) {
		f.oversize.Store(key, struct{}{})
		return f.streamDirect(ctx, serviceURL, cid, rangeHeader, clientCacheTTLSeconds)
	}
	if err != nil {
		return nil, err
	}
	cached := v.(entry)
	return &Result{
		StatusCode: cached.StatusCode,
		Header:     cached.Header,
		Body:       io.NopCloser(bytes.NewReader(cached.Body)),
	}, nil
}

// doFetch performs one origin round trip on the cacheable path: the body
// is buffered in full so it can be shared, byte-for-byte, with every
// singleflight waiter. Responses over maxCachedBodyBytes are rejected
// with errOversize instead of truncated, so Fetch re-issues them on the
// uncoalesced streaming path below.
func (f *Fetcher) doFetch(ctx context.Context, serviceURL, cid, rangeHeader string, clientCacheTTLSeconds int, key string) (entry, error) {
	resp, err := f.originRequest(ctx, serviceURL, cid, rangeHeader)
	if err != nil {
		return entry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 && resp.ContentLength > maxCachedBodyBytes {
		return entry{}, errOversize
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBodyBytes+1))
	if err != nil {
		return entry{}, fmt.Errorf("reading origin response: %w", err)
	}
	if len(body) > maxCachedBodyBytes {
		return entry{}, errOversize
	}

	header := resp.Header.Clone()
	if resp.StatusCode/100 == 2 {
		header.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", clientCacheTTLSeconds))
	}
	out := entry{StatusCode: resp.StatusCode, Header: header, Body: body}

	if resp.StatusCode/100 == 2 {
		f.writeCache(ctx, key, out)
	}
	return out, nil
}

// streamDirect fetches serviceURL/piece/cid without singleflight
// coalescing or in-memory buffering, handing the live origin body
// straight to the caller (§9 "byte stream ... without buffering the
// entire body"). Used for responses too large to ever be cached; the
// caller owns closing the returned Body.
func (f *Fetcher) streamDirect(ctx context.Context, serviceURL, cid, rangeHeader string, clientCacheTTLSeconds int) (*Result, error) {
	resp, err := f.originRequest(ctx, serviceURL, cid, rangeHeader)
	if err != nil {
		return nil, err
	}
	header := resp.Header.Clone()
	if resp.StatusCode/100 == 2 {
		header.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", clientCacheTTLSeconds))
	}
	return &Result{StatusCode: resp.StatusCode, Header: header, Body: resp.Body}, nil
}

func (f *Fetcher) originRequest(ctx context.Context, serviceURL, cid, rangeHeader string) (*http.Response, error) {
	url := fmt.Sprintf("%s/piece/%s", serviceURL, cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building origin request: %w", err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin fetch: %w", err)
	}
	return resp, nil
}

func (f *Fetcher) readCache(ctx context.Context, key string) (entry, bool) {
	raw, err := f.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return entry{}, false
	}
	var e entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return entry{}, false
	}
	return e, true
}

func (f *Fetcher) writeCache(ctx context.Context, key string, e entry) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return
	}
	// Best effort: a cache write race or failure never blocks the
	// response (§5, §7 "cache write race" recovered locally).
	f.rdb.Set(ctx, key, buf.Bytes(), f.ttl)
}

func cacheKey(serviceURL, cid, rangeHeader string) string {
	sum := sha256.Sum256([]byte(serviceURL + "|" + cid + "|" + rangeHeader))
	return "origin:" + hex.EncodeToString(sum[:])
}
