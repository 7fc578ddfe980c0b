package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ericselin/cache-gateway/cache"
)

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestControlWithoutActiveInstance(t *testing.T) {
	router := newTestRegistration().Router()

	if rec := serve(router, http.MethodPost, ControlPrefix+"/push", "hi"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Push status is %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, ControlPrefix+"/notificationclick", `{"action":"explore"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Click status is %d", rec.Code)
	}
	// a message with nothing to receive it is dropped
	if rec := serve(router, http.MethodPost, ControlPrefix+"/message", `{"type":"SKIP_WAITING"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("Message status is %d", rec.Code)
	}
}

func TestControlEndpoints(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	provider := cache.NewMemCache()
	reg := newTestRegistration()
	router := reg.Router()

	config, _ := testConfig(t, origin, provider, "v1", "/index.html", "/style.css")
	config.WaitForClients = true
	v1 := register(t, reg, config)

	if rec := serve(router, http.MethodPut, ControlPrefix+"/clients/page-1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Attach status is %d", rec.Code)
	}
	if reg.Controller("page-1") != v1 {
		t.Fatal("Client not attached")
	}

	config, _ = testConfig(t, origin, provider, "v2", "/index.html")
	config.WaitForClients = true
	v2 := register(t, reg, config)

	rec := serve(router, http.MethodGet, ControlPrefix+"/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status status is %d", rec.Code)
	}
	var status Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Active == nil || status.Active.VersionTag != "v1" || len(status.Active.Entries) != 2 {
		t.Fatalf("Active is %+v", status.Active)
	}
	if status.Waiting == nil || status.Waiting.State != "installed" {
		t.Fatalf("Waiting is %+v", status.Waiting)
	}
	if status.Clients != 1 {
		t.Fatalf("Clients is %d", status.Clients)
	}

	if rec := serve(router, http.MethodPost, ControlPrefix+"/message", "{"); rec.Code != http.StatusBadRequest {
		t.Fatalf("Bad message status is %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, ControlPrefix+"/message", `{"type":"SKIP_WAITING"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("Message status is %d", rec.Code)
	}
	if reg.Active() != v2 || reg.Controller("page-1") != v2 {
		t.Fatal("SKIP_WAITING message did not activate the new instance")
	}

	if rec := serve(router, http.MethodDelete, ControlPrefix+"/clients/page-1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Detach status is %d", rec.Code)
	}
	if reg.Controller("page-1") != nil {
		t.Fatal("Client not detached")
	}
}

func TestPushEndpoint(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	reg := newTestRegistration()
	router := reg.Router()
	config, _ := testConfig(t, origin, cache.NewMemCache(), "v1")
	register(t, reg, config)

	rec := serve(router, http.MethodPost, ControlPrefix+"/push", "Sampai jumpa")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Push status is %d", rec.Code)
	}
	var n Notification
	if err := json.NewDecoder(rec.Body).Decode(&n); err != nil {
		t.Fatal(err)
	}
	if n.Body != "Sampai jumpa" || n.Title != "Undangan Pernikahan" {
		t.Fatalf("Notification is %+v", n)
	}

	if rec := serve(router, http.MethodPost, ControlPrefix+"/notificationclick", `{"action":"close"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("Click status is %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, ControlPrefix+"/notificationclick", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("Empty click status is %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, ControlPrefix+"/notificationclick", "not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("Bad click status is %d", rec.Code)
	}
}

func TestRouterServesSite(t *testing.T) {
	origin := newTestOrigin(t, siteFiles())
	reg := newTestRegistration()
	config, _ := testConfig(t, origin, cache.NewMemCache(), "v1", "/style.css")
	register(t, reg, config)

	rec := serve(reg.Router(), http.MethodGet, "/style.css", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "body{}" {
		t.Fatalf("Got %d %q", rec.Code, rec.Body.String())
	}
	if origin.hitCount("/style.css") != 1 {
		t.Fatal("Precached asset fetched again")
	}
}
