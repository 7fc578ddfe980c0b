package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ericselin/cache-gateway/cache"
	serializer "github.com/ericselin/cache-gateway/pkg/response-serializer"
	tee "github.com/ericselin/cache-gateway/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// StatusNetworkError is the status of the placeholder response returned
// when the network could not be reached and nothing usable was cached.
const StatusNetworkError = http.StatusRequestTimeout

// HandleFetch decides how a request is answered.
//
// Non-GET requests and requests to excluded origins go straight to the
// network; their response or error is returned unmodified. Everything else
// is answered cache-first and always gets a response, never an error.
func (g *Gateway) HandleFetch(r *http.Request) (*http.Response, error) {
	log := g.log.With().Str("method", r.Method).Str("url", r.URL.String()).Logger()

	if r.Method != http.MethodGet {
		cs := CacheStatus{}
		cs.Forward(CacheStatusFwdMethod)
		return g.forward(r, cs)
	}

	target := g.resolve(r.URL)
	switch {
	case g.isExcluded(target):
		log.Trace().Msg("Bypassing cache for excluded origin")
		cs := CacheStatus{}
		cs.Forward(CacheStatusFwdBypass)
		return g.forward(r, cs)
	case g.isMedia(target):
		return g.handleMedia(r, log), nil
	default:
		return g.handleAsset(r, log), nil
	}
}

// handleMedia serves large media cache-first.
// A network failure is answered with a placeholder response.
func (g *Gateway) handleMedia(r *http.Request, log zerolog.Logger) *http.Response {
	cs := CacheStatus{}
	res, reason := g.match(r)
	if res != nil {
		log.Debug().Msg("Serving media from cache")
		cs.Hit()
		return withCacheStatus(res, cs)
	}

	log.Debug().Msg("Fetching media from network")
	cs.Forward(reason)
	res, err := g.fetch(r.Clone(r.Context()))
	if err != nil {
		log.Error().Err(err).Msg("Fetch failed")
		cs.Detail("network-error")
		return withCacheStatus(networkErrorResponse(r), cs)
	}
	if g.storeInBackground(r, res, log) {
		cs.Stored()
	}
	return withCacheStatus(res, cs)
}

// handleAsset serves everything else cache-first.
// On a network failure the cache is consulted once more, and navigation
// requests fall back to the offline page.
func (g *Gateway) handleAsset(r *http.Request, log zerolog.Logger) *http.Response {
	cs := CacheStatus{}
	res, reason := g.match(r)
	if res != nil {
		log.Trace().Msg("Serving from cache")
		cs.Hit()
		return withCacheStatus(res, cs)
	}

	cs.Forward(reason)
	res, err := g.fetch(r.Clone(r.Context()))
	if err == nil {
		if g.storeInBackground(r, res, log) {
			cs.Stored()
		}
		return withCacheStatus(res, cs)
	}

	log.Error().Err(err).Msg("Fetch failed")
	if res, _ := g.match(r); res != nil {
		cs.Hit()
		cs.Detail("offline")
		return withCacheStatus(res, cs)
	}
	if isNavigation(r) && g.config.OfflinePath != "" {
		if res, ok := g.matchOffline(r); ok {
			log.Debug().Msg("Serving offline page")
			cs.Detail("offline")
			return withCacheStatus(res, cs)
		}
	}
	cs.Detail("network-error")
	return withCacheStatus(networkErrorResponse(r), cs)
}

// storeInBackground writes a copy of a valid response to the store without
// waiting for the write. It reports whether a write was started.
func (g *Gateway) storeInBackground(r *http.Request, res *http.Response, log zerolog.Logger) bool {
	if !g.isValid(r, res) {
		log.Trace().Int("status", res.StatusCode).Msg("Not caching response")
		return false
	}
	store := g.currentStore()
	if store == nil {
		return false
	}
	clone, err := serializer.Clone(res)
	if err != nil {
		log.Error().Err(err).Msg("Could not copy response for caching")
		return false
	}
	req := r.Clone(r.Context())
	started := g.background(func() {
		err := g.put(store, req, clone)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			log.Debug().Str("store", store.Name()).Msg("Store deleted, dropping cache write")
		case err != nil:
			log.Error().Err(err).Msg("Could not write to cache")
		default:
			log.Trace().Msg("Cached response")
		}
	})
	if !started {
		log.Trace().Msg("Instance retired, not caching response")
	}
	return started
}

// isValid checks that a network response may be written to the store:
// a 200 response of the basic (same-origin) type.
func (g *Gateway) isValid(r *http.Request, res *http.Response) bool {
	return res != nil &&
		res.StatusCode == http.StatusOK &&
		g.responseType(r) == serializer.TypeBasic
}

// responseType derives the response type from the request, since the origin
// of the request decides what the requester is allowed to see.
func (g *Gateway) responseType(r *http.Request) serializer.ResponseType {
	target := g.resolve(r.URL)
	if strings.EqualFold(target.Host, g.origin.Host) && target.Scheme == g.origin.Scheme {
		return serializer.TypeBasic
	}
	if r.Header.Get("Sec-Fetch-Mode") == "no-cors" {
		return serializer.TypeOpaque
	}
	return serializer.TypeCORS
}

// match looks up a stored response for the request in the current store.
// On a miss it returns the reason the request has to be forwarded.
func (g *Gateway) match(r *http.Request) (*http.Response, CacheStatusFwdReason) {
	store := g.currentStore()
	if store == nil {
		return nil, CacheStatusFwdUriMiss
	}
	prefix := g.keyer.GetKeyPrefix(g.lookupRequest(r))
	entries, err := store.All(prefix)
	if err != nil {
		g.log.Error().Err(err).Str("key", prefix).Msg("Could not retrieve from cache")
		return nil, CacheStatusFwdUriMiss
	}
	reason := CacheStatusFwdUriMiss
	for _, ce := range entries {
		reason = CacheStatusFwdVaryMiss
		if !g.keyer.VaryMatches(ce.Key, r) {
			continue
		}
		sRes, err := serializer.BytesToStoredResponse(ce.Bytes, r)
		if err != nil {
			// in case we have a corrupted cache entry, we delete it and go on
			g.log.Error().Err(err).Str("key", ce.Key).Msg("Could not read from cache")
			store.Purge(ce.Key)
			continue
		}
		return sRes.Response, ""
	}
	return nil, reason
}

func (g *Gateway) matchOffline(r *http.Request) (*http.Response, bool) {
	ref, err := url.Parse(g.config.OfflinePath)
	if err != nil {
		return nil, false
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, g.origin.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, false
	}
	req.Header = r.Header.Clone()
	res, reason := g.match(req)
	return res, reason == ""
}

// lookupRequest returns the request with a URL that the keyer treats the
// same way regardless of whether it came in as a proxy or an origin request.
func (g *Gateway) lookupRequest(r *http.Request) *http.Request {
	if r.URL.Host != "" {
		return r
	}
	lr := *r
	lr.URL = g.resolve(r.URL)
	return &lr
}

func (g *Gateway) put(store cache.Store, req *http.Request, res *http.Response) error {
	lr := g.lookupRequest(req)
	key := g.keyer.AddVaryKeys(g.keyer.GetKeyPrefix(lr), req, res)
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		Type:     g.responseType(req),
		StoredAt: now(),
	})
	if err != nil {
		return err
	}
	g.log.Trace().Str("key", key).Msg("Writing to cache")
	return store.Put(cache.CacheEntry{Key: key, StoredAt: now(), Bytes: bts})
}

// resolve returns the absolute URL of a request target.
// Requests without a host are requests for the origin.
func (g *Gateway) resolve(u *url.URL) *url.URL {
	if u.Host != "" {
		return u
	}
	abs := *u
	abs.Scheme = g.origin.Scheme
	abs.Host = g.origin.Host
	return &abs
}

func (g *Gateway) isExcluded(u *url.URL) bool {
	for _, scheme := range g.config.ExcludedSchemes {
		if strings.EqualFold(u.Scheme, scheme) {
			return true
		}
	}
	host := strings.ToLower(u.Hostname())
	for _, excluded := range g.config.ExcludedHosts {
		if excluded != "" && strings.Contains(host, strings.ToLower(excluded)) {
			return true
		}
	}
	return false
}

func (g *Gateway) isMedia(u *url.URL) bool {
	return g.config.MediaPattern != nil && g.config.MediaPattern.MatchString(u.Path)
}

// isNavigation reports whether the request is a top-level page load.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// fetch sends the request to the network.
// Requests without a host are sent to the origin.
func (g *Gateway) fetch(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopHeaders(out.Header)
	// let the client negotiate compression and decode the body
	out.Header.Del("Accept-Encoding")
	client := g.client
	if out.URL.Host == "" || strings.EqualFold(out.URL.Host, g.origin.Host) {
		out.URL = g.resolve(out.URL)
		out.Host = g.hostHeader
		client = g.originClient
	}
	return client.Do(out)
}

// forward sends the request to the network without touching the store.
func (g *Gateway) forward(r *http.Request, cs CacheStatus) (*http.Response, error) {
	res, err := g.fetch(r)
	if err != nil {
		return nil, err
	}
	return withCacheStatus(res, cs), nil
}

func networkErrorResponse(r *http.Request) *http.Response {
	return &http.Response{
		Status:        "408 Network error",
		StatusCode:    StatusNetworkError,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       r,
	}
}

func withCacheStatus(res *http.Response, cs CacheStatus) *http.Response {
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Add("Cache-Status", cs.String())
	return res
}

// ServeHTTP implements the http.Handler interface.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := tee.NewResponseRecorder(w)
	defer g.recover(rec, r)
	res, err := g.HandleFetch(r)
	if err != nil {
		g.log.Error().Err(err).Str("url", r.URL.String()).Msg("Error connecting to network")
		http.Error(rec, "Could not get response", http.StatusBadGateway)
		return
	}
	g.send(rec, r, res)
	g.log.Trace().Dur("elapsed", rec.Elapsed()).Int("status", rec.StatusCode()).Msg("Fetch handled")
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, res *http.Response) {
	defer res.Body.Close()
	removeHopHeaders(res.Header)
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
	g.logRequest(r, res, bytesWritten)
}

// recover recovers from panics and passes the request through to the network,
// unless part of the response has already been sent.
func (g *Gateway) recover(rec *tee.ResponseRecorder, r *http.Request) {
	if err := recover(); err != nil {
		g.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in fetch handler")
		if rec.WroteHeader() {
			g.log.Error().Int("status", rec.StatusCode()).Int64("bytes", rec.BytesWritten()).Msg("Response already started, cannot pass through")
			return
		}
		g.escapeHatch(rec, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the network.
func (g *Gateway) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := g.fetch(r)
	if err != nil {
		g.log.Error().Err(err).Msg("Error connecting to network")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	g.send(w, r, res)
}

func (g *Gateway) logRequest(r *http.Request, res *http.Response, bytesWritten int64) {
	g.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", res.StatusCode).
		Str("cacheStatus", res.Header.Get("Cache-Status")).
		Int64("bytes", bytesWritten).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
