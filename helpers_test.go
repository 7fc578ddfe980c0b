package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ericselin/cache-gateway/cache"

	"github.com/rs/zerolog"
)

var errOffline = errors.New("network unreachable")

// testOrigin is a static site that counts requests per path.
type testOrigin struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
}

func newTestOrigin(t *testing.T, files map[string]string) *testOrigin {
	o := &testOrigin{files: files, hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		body, ok := o.files[r.URL.Path]
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, body)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = body
}

func (o *testOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *testOrigin) totalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.hits {
		total += n
	}
	return total
}

// testTransport sends origin requests to the test server, answers requests
// for any other host with the foreign handler, and fails everything while offline.
type testTransport struct {
	offline atomic.Bool
	origin  string
	foreign http.Handler
}

func (tt *testTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if tt.offline.Load() {
		return nil, errOffline
	}
	if r.URL.Host != tt.origin && tt.foreign != nil {
		rec := httptest.NewRecorder()
		tt.foreign.ServeHTTP(rec, r)
		res := rec.Result()
		res.Request = r
		return res, nil
	}
	return http.DefaultTransport.RoundTrip(r)
}

func testConfig(t *testing.T, o *testOrigin, provider cache.CacheProvider, tag string, manifest ...string) (Config, *testTransport) {
	u, err := url.Parse(o.URL)
	if err != nil {
		t.Fatal(err)
	}
	transport := &testTransport{origin: u.Host}
	logger := zerolog.Nop()
	return Config{
		Cache:           provider,
		VersionTag:      tag,
		CachePrefix:     "test",
		Manifest:        manifest,
		OfflinePath:     "/offline.html",
		RootPath:        "/",
		OriginURL:       *u,
		MediaPattern:    regexp.MustCompile(DefaultMediaPattern),
		ExcludedHosts:   []string{"google.com"},
		ExcludedSchemes: []string{"chrome-extension"},
		Transport:       transport,
		Logger:          &logger,
		Notification:    DefaultNotificationOptions(),
	}, transport
}

func installed(t *testing.T, config Config) *Gateway {
	g, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Install(t.Context()); err != nil {
		t.Fatal(err)
	}
	return g
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func storeKeys(t *testing.T, provider cache.CacheProvider, name string) []string {
	t.Helper()
	store, err := provider.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys()
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func siteFiles() map[string]string {
	return map[string]string{
		"/":             "home",
		"/index.html":   "index",
		"/offline.html": "you are offline",
		"/style.css":    "body{}",
		"/musik.mp3":    "la la la",
	}
}
