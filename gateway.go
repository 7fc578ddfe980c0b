package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/ericselin/cache-gateway/cache"
	cachekey "github.com/ericselin/cache-gateway/pkg/cache-key"
	serializer "github.com/ericselin/cache-gateway/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config describes one deployment of the gateway. It is read once by New;
// changing the VersionTag between deployments is the only way to invalidate
// what has been cached.
type Config struct {
	// Storage for cache generations.
	Cache cache.CacheProvider
	// Identifies the precache generation, e.g. "v3".
	VersionTag string
	// Store names are CachePrefix + "-" + VersionTag. Empty prefix means the tag alone.
	CachePrefix string
	// Asset paths (relative to the origin) fetched and stored on install.
	Manifest []string
	// Path of the page served to navigation requests when offline.
	// It should be listed in the manifest.
	OfflinePath string
	// Path opened by the "explore" notification action.
	RootPath string
	// URL of the origin server.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Request paths matching the pattern are treated as large media.
	MediaPattern *regexp.Regexp
	// Requests whose host contains any of these are never cached.
	ExcludedHosts []string
	// Requests with these URL schemes are never cached.
	ExcludedSchemes []string
	// Keep a freshly installed instance waiting until the previous one no
	// longer controls any client (or until SKIP_WAITING is received).
	WaitForClients bool
	// Transport used for network requests. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Notification display and window handling. Logging no-ops if nil.
	Notifier     Notifier
	WindowOpener WindowOpener
	Notification NotificationOptions
}

// StoreName returns the name of the cache store for the configured generation.
func (c Config) StoreName() string {
	if c.CachePrefix == "" {
		return c.VersionTag
	}
	return c.CachePrefix + "-" + c.VersionTag
}

var now = time.Now

// InstallError reports the manifest asset that could not be precached.
type InstallError struct {
	Asset string
	Err   error
}

func (e *InstallError) Error() string {
	if e.Asset == "" {
		return fmt.Sprintf("install failed: %v", e.Err)
	}
	return fmt.Sprintf("install failed: precache %s: %v", e.Asset, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Gateway is a single instance of the cache gateway, bound to one cache generation.
type Gateway struct {
	config       Config
	storeName    string
	cache        cache.CacheProvider
	keyer        cachekey.CacheKeyer
	log          zerolog.Logger
	origin       url.URL
	hostHeader   string
	originClient *http.Client
	client       *http.Client
	notifier     Notifier
	opener       WindowOpener

	mu          sync.Mutex
	state       State
	store       cache.Store
	skipWaiting bool
	// set once the instance is being replaced; no new background writes start
	retired bool

	// background cache writes
	pending sync.WaitGroup
}

// New creates a gateway instance for the configured generation.
// The instance does nothing until Install is called.
func New(config Config) (*Gateway, error) {
	if config.VersionTag == "" {
		return nil, errors.New("version tag missing")
	}
	if config.Cache == nil {
		return nil, errors.New("cache provider missing")
	}
	if config.OriginURL.Host == "" {
		return nil, errors.New("origin URL missing")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	g := &Gateway{
		config:    config,
		storeName: config.StoreName(),
		cache:     config.Cache,
		keyer:     cachekey.NewCacheKeyer(config.OriginURL.Host),
		origin:    config.OriginURL,
		state:     StateParsed,
	}

	// create a child logger and add defaults
	g.log = logger.With().
		Str("store", g.storeName).
		Logger()

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	g.client = &http.Client{Transport: transport}
	g.originClient = g.client
	g.hostHeader = config.OriginURL.Host
	// use provided hostname for origin if configured
	if config.OriginHost != "" {
		g.hostHeader = config.OriginHost
		if config.Transport == nil {
			g.originClient = &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{
						ServerName: config.OriginHost,
					},
				},
			}
		}
	}

	g.notifier = config.Notifier
	if g.notifier == nil {
		g.notifier = logNotifier{log: g.log}
	}
	g.opener = config.WindowOpener
	if g.opener == nil {
		g.opener = logNotifier{log: g.log}
	}
	return g, nil
}

// VersionTag returns the generation this instance serves.
func (g *Gateway) VersionTag() string {
	return g.config.VersionTag
}

// StoreName returns the name of the store this instance reads and writes.
func (g *Gateway) StoreName() string {
	return g.storeName
}

// Install opens the store for the configured generation and precaches every
// manifest asset. All assets are fetched before anything is written; a single
// failure aborts the install and leaves the instance redundant.
// On success the instance asks to skip waiting, unless configured to wait for clients.
func (g *Gateway) Install(ctx context.Context) error {
	g.setState(StateInstalling)
	g.log.Info().Msg("Installing")

	store, err := g.cache.Open(g.storeName)
	if err != nil {
		g.setState(StateRedundant)
		return &InstallError{Err: err}
	}
	g.mu.Lock()
	g.store = store
	g.mu.Unlock()

	g.log.Debug().Int("assets", len(g.config.Manifest)).Msg("Caching app shell")
	requests := make([]*http.Request, len(g.config.Manifest))
	responses := make([]*http.Response, len(g.config.Manifest))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, asset := range g.config.Manifest {
		eg.Go(func() error {
			req, res, err := g.precacheFetch(egCtx, asset)
			if err != nil {
				return &InstallError{Asset: asset, Err: err}
			}
			requests[i], responses[i] = req, res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.log.Error().Err(err).Msg("Install failed")
		g.setState(StateRedundant)
		return err
	}

	for i, res := range responses {
		if err := g.put(store, requests[i], res); err != nil {
			g.setState(StateRedundant)
			return &InstallError{Asset: g.config.Manifest[i], Err: err}
		}
	}

	g.setState(StateInstalled)
	if !g.config.WaitForClients {
		g.log.Debug().Msg("Skip waiting")
		g.SkipWaiting()
	}
	return nil
}

// precacheFetch fetches a manifest asset from the origin.
// Any response outside the 2xx range fails the fetch, and the body is
// buffered so a failed sibling fetch cannot leave a half-read response behind.
func (g *Gateway) precacheFetch(ctx context.Context, asset string) (*http.Request, *http.Response, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.origin.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, nil, err
	}
	res, err := g.fetch(req)
	if err != nil {
		return nil, nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return nil, nil, fmt.Errorf("bad response status %d", res.StatusCode)
	}
	if err := serializer.Buffer(res); err != nil {
		return nil, nil, err
	}
	return req, res, nil
}

// Activate removes every cache generation other than the current one.
// Storage errors are logged and returned, the remaining stores are still processed.
func (g *Gateway) Activate(ctx context.Context) error {
	g.setState(StateActivating)
	g.log.Info().Msg("Activating")

	names, err := g.cache.Names()
	if err != nil {
		g.log.Error().Err(err).Msg("Could not list cache stores")
		g.setState(StateActivated)
		return err
	}
	var errs []error
	for _, name := range names {
		if name == g.storeName {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		g.log.Info().Str("old", name).Msg("Deleting old cache")
		if _, err := g.cache.Delete(name); err != nil {
			g.log.Error().Err(err).Str("old", name).Msg("Could not delete old cache")
			errs = append(errs, err)
		}
	}
	g.setState(StateActivated)
	return errors.Join(errs...)
}

// SkipWaiting marks the instance as ready to replace the active one
// without waiting for clients to go away.
func (g *Gateway) SkipWaiting() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.skipWaiting = true
}

func (g *Gateway) shouldSkipWaiting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.skipWaiting
}

// Wait blocks until all background cache writes started by this instance are done.
// Fetches must not be handled concurrently with Wait.
func (g *Gateway) Wait() {
	g.pending.Wait()
}

// retire stops new background writes from starting and waits for the
// running ones to finish.
func (g *Gateway) retire() {
	g.mu.Lock()
	g.retired = true
	g.mu.Unlock()
	g.pending.Wait()
}

// background runs fn without making the caller wait for it.
// It reports false, without running fn, once the instance is retired.
func (g *Gateway) background(fn func()) bool {
	g.mu.Lock()
	if g.retired {
		g.mu.Unlock()
		return false
	}
	g.pending.Add(1)
	g.mu.Unlock()
	go func() {
		defer g.pending.Done()
		fn()
	}()
	return true
}

func (g *Gateway) currentStore() cache.Store {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store
}

// Keys returns the keys of all entries in the current store.
func (g *Gateway) Keys() ([]string, error) {
	store := g.currentStore()
	if store == nil {
		return []string{}, nil
	}
	return store.Keys()
}
