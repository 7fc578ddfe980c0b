package gateway

import (
	"errors"
	"net/http"
	"testing"

	"github.com/ericselin/cache-gateway/cache"
)

func TestInstallPrecachesManifest(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	provider := cache.NewMemCache()
	config, _ := testConfig(t, origin, provider, "v1", "/", "/index.html", "/offline.html")

	g := installed(t, config)

	if g.State() != StateInstalled {
		t.Fatalf("State is %s", g.State())
	}
	if keys := storeKeys(t, provider, "test-v1"); len(keys) != 3 {
		t.Fatalf("Store has keys %v", keys)
	}
	if !g.shouldSkipWaiting() {
		t.Fatal("Install did not ask to skip waiting")
	}
}

func TestInstallTwiceHasNoDuplicates(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	provider := cache.NewMemCache()
	config, _ := testConfig(t, origin, provider, "v1", "/", "/index.html")

	installed(t, config)
	installed(t, config)

	keys := storeKeys(t, provider, "test-v1")
	if len(keys) != 2 {
		t.Fatalf("Store has keys %v", keys)
	}
}

func TestInstallFailsOnMissingAsset(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	provider := cache.NewMemCache()
	config, _ := testConfig(t, origin, provider, "v1", "/index.html", "/missing.jpg")

	g, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	err = g.Install(t.Context())

	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("Error is %v", err)
	}
	if installErr.Asset != "/missing.jpg" {
		t.Fatalf("Failed asset is %s", installErr.Asset)
	}
	if g.State() != StateRedundant {
		t.Fatalf("State is %s", g.State())
	}
	if keys := storeKeys(t, provider, "test-v1"); len(keys) != 0 {
		t.Fatalf("Store has keys %v after failed install", keys)
	}
}

func TestInstallFailsWhenOffline(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	config, transport := testConfig(t, origin, cache.NewMemCache(), "v1", "/index.html")
	transport.offline.Store(true)

	g, _ := New(config)
	err := g.Install(t.Context())
	if !errors.Is(err, errOffline) {
		t.Fatalf("Error is %v", err)
	}
}

func TestActivateWithoutOldStores(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	provider := cache.NewMemCache()
	config, _ := testConfig(t, origin, provider, "v1", "/")
	g := installed(t, config)

	if err := g.Activate(t.Context()); err != nil {
		t.Fatal(err)
	}
	names, _ := provider.Names()
	if len(names) != 1 || names[0] != "test-v1" {
		t.Fatalf("Stores are %v", names)
	}
	if g.State() != StateActivated {
		t.Fatalf("State is %s", g.State())
	}
}

func TestActivateDeletesOtherGenerations(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	provider := cache.NewMemCache()
	provider.Open("test-v0")
	provider.Open("unrelated")
	config, _ := testConfig(t, origin, provider, "v1", "/")
	g := installed(t, config)

	if err := g.Activate(t.Context()); err != nil {
		t.Fatal(err)
	}
	names, _ := provider.Names()
	if len(names) != 1 || names[0] != "test-v1" {
		t.Fatalf("Stores are %v", names)
	}
}

func TestDeployNewVersion(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	provider := cache.NewMemCache()

	configV1, _ := testConfig(t, origin, provider, "v1", "/", "/index.html")
	v1 := installed(t, configV1)
	if keys := storeKeys(t, provider, "test-v1"); len(keys) != 2 {
		t.Fatalf("Store v1 has keys %v", keys)
	}
	if err := v1.Activate(t.Context()); err != nil {
		t.Fatal(err)
	}

	hits := origin.totalHits()
	req, _ := http.NewRequest("GET", "/index.html", nil)
	res, err := v1.HandleFetch(req)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "index" {
		t.Fatalf("Body is %s", body)
	}
	if origin.totalHits() != hits {
		t.Fatal("Cached asset was fetched from network")
	}

	origin.set("/index.html", "index v2")
	configV2, _ := testConfig(t, origin, provider, "v2", "/", "/index.html")
	v2 := installed(t, configV2)
	if has, _ := provider.Has("test-v2"); !has {
		t.Fatal("Store v2 not created")
	}
	if err := v2.Activate(t.Context()); err != nil {
		t.Fatal(err)
	}
	if has, _ := provider.Has("test-v1"); has {
		t.Fatal("Store v1 not deleted")
	}

	hits = origin.totalHits()
	res, _ = v2.HandleFetch(req)
	if body := readBody(t, res); body != "index v2" {
		t.Fatalf("Body is %s", body)
	}
	if origin.totalHits() != hits {
		t.Fatal("Cached asset was fetched from network")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	config, _ := testConfig(t, origin, cache.NewMemCache(), "", "/")
	if _, err := New(config); err == nil {
		t.Fatal("Missing version tag accepted")
	}
	config, _ = testConfig(t, origin, nil, "v1", "/")
	if _, err := New(config); err == nil {
		t.Fatal("Missing cache accepted")
	}
}

func TestStoreName(t *testing.T) {
	if name := (Config{VersionTag: "v3", CachePrefix: "undangan-pernikahan"}).StoreName(); name != "undangan-pernikahan-v3" {
		t.Fatalf("Store name is %s", name)
	}
	if name := (Config{VersionTag: "v3"}).StoreName(); name != "v3" {
		t.Fatalf("Store name is %s", name)
	}
}
