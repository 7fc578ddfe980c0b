package gateway

import (
	"context"
	"testing"

	"github.com/ericselin/cache-gateway/cache"
)

type recordingNotifier struct {
	shown  []Notification
	closed int
	opened []string
}

func (r *recordingNotifier) ShowNotification(_ context.Context, n Notification) error {
	r.shown = append(r.shown, n)
	return nil
}

func (r *recordingNotifier) CloseNotification(context.Context) error {
	r.closed++
	return nil
}

func (r *recordingNotifier) OpenWindow(_ context.Context, url string) error {
	r.opened = append(r.opened, url)
	return nil
}

func notifyingGateway(t *testing.T) (*Gateway, *recordingNotifier) {
	origin := newTestOrigin(t, siteFiles())
	config, _ := testConfig(t, origin, cache.NewMemCache(), "v1")
	rec := &recordingNotifier{}
	config.Notifier = rec
	config.WindowOpener = rec
	config.RootPath = "/undangan-pernikahan/"
	return installed(t, config), rec
}

func TestPushWithPayload(t *testing.T) {
	g, rec := notifyingGateway(t)
	n, err := g.HandlePush(t.Context(), []byte("Acara dimulai jam 10"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.shown) != 1 || rec.shown[0].Body != "Acara dimulai jam 10" {
		t.Fatalf("Shown notifications are %+v", rec.shown)
	}
	if n.Title != "Undangan Pernikahan" || len(n.Actions) != 2 {
		t.Fatalf("Notification is %+v", n)
	}
	if n.Data.PrimaryKey != 1 || n.Data.DateOfArrival.IsZero() {
		t.Fatalf("Notification data is %+v", n.Data)
	}
}

func TestPushWithoutPayload(t *testing.T) {
	g, rec := notifyingGateway(t)
	if _, err := g.HandlePush(t.Context(), nil); err != nil {
		t.Fatal(err)
	}
	if rec.shown[0].Body != "Undangan pernikahan baru tersedia!" {
		t.Fatalf("Body is %s", rec.shown[0].Body)
	}
}

func TestNotificationClick(t *testing.T) {
	g, rec := notifyingGateway(t)

	if err := g.HandleNotificationClick(t.Context(), ActionClose); err != nil {
		t.Fatal(err)
	}
	if rec.closed != 1 || len(rec.opened) != 0 {
		t.Fatalf("Closed %d, opened %v", rec.closed, rec.opened)
	}

	if err := g.HandleNotificationClick(t.Context(), "something-else"); err != nil {
		t.Fatal(err)
	}
	if rec.closed != 2 || len(rec.opened) != 0 {
		t.Fatalf("Closed %d, opened %v", rec.closed, rec.opened)
	}

	if err := g.HandleNotificationClick(t.Context(), ActionExplore); err != nil {
		t.Fatal(err)
	}
	if rec.closed != 3 || len(rec.opened) != 1 {
		t.Fatalf("Closed %d, opened %v", rec.closed, rec.opened)
	}
	want := g.origin.String() + "/undangan-pernikahan/"
	if rec.opened[0] != want {
		t.Fatalf("Opened %s, expected %s", rec.opened[0], want)
	}
}
