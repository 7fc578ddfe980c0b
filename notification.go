package gateway

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Notification action identifiers.
const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

type NotificationAction struct {
	Action string `json:"action" yaml:"action"`
	Title  string `json:"title" yaml:"title"`
	Icon   string `json:"icon,omitempty" yaml:"icon"`
}

// NotificationOptions are the fixed parts of every notification shown on push.
type NotificationOptions struct {
	Title       string               `yaml:"title"`
	DefaultBody string               `yaml:"defaultBody"`
	Icon        string               `yaml:"icon"`
	Badge       string               `yaml:"badge"`
	Vibrate     []int                `yaml:"vibrate"`
	Actions     []NotificationAction `yaml:"actions"`
}

// DefaultNotificationOptions returns the notification used by the invitation site.
func DefaultNotificationOptions() NotificationOptions {
	return NotificationOptions{
		Title:       "Undangan Pernikahan",
		DefaultBody: "Undangan pernikahan baru tersedia!",
		Icon:        "icons/icon-192x192.png",
		Badge:       "icons/icon-72x72.png",
		Vibrate:     []int{100, 50, 100},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Buka Undangan", Icon: "icons/icon-72x72.png"},
			{Action: ActionClose, Title: "Tutup", Icon: "icons/icon-72x72.png"},
		},
	}
}

type NotificationData struct {
	DateOfArrival time.Time `json:"dateOfArrival"`
	PrimaryKey    int       `json:"primaryKey"`
}

// Notification is a user-visible notification produced by a push.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context) error
}

// WindowOpener opens or focuses a browsing context at the given URL.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// HandlePush shows a notification. The payload becomes the body text,
// or the default body if the push carried no payload.
func (g *Gateway) HandlePush(ctx context.Context, payload []byte) (Notification, error) {
	g.log.Debug().Msg("Push received")
	opts := g.config.Notification
	n := Notification{
		Title:   opts.Title,
		Body:    opts.DefaultBody,
		Icon:    opts.Icon,
		Badge:   opts.Badge,
		Vibrate: opts.Vibrate,
		Data: NotificationData{
			DateOfArrival: now(),
			PrimaryKey:    1,
		},
		Actions: opts.Actions,
	}
	if len(payload) > 0 {
		n.Body = string(payload)
	}
	return n, g.notifier.ShowNotification(ctx, n)
}

// HandleNotificationClick closes the notification and, for the explore
// action, opens the site root.
func (g *Gateway) HandleNotificationClick(ctx context.Context, action string) error {
	g.log.Debug().Str("action", action).Msg("Notification click")
	if err := g.notifier.CloseNotification(ctx); err != nil {
		return err
	}
	if action != ActionExplore {
		return nil
	}
	root, err := url.Parse(g.config.RootPath)
	if err != nil {
		return err
	}
	return g.opener.OpenWindow(ctx, g.origin.ResolveReference(root).String())
}

// logNotifier only logs, for deployments without a notification surface.
type logNotifier struct {
	log zerolog.Logger
}

func (l logNotifier) ShowNotification(_ context.Context, n Notification) error {
	l.log.Info().Str("title", n.Title).Str("body", n.Body).Msg("Showing notification")
	return nil
}

func (l logNotifier) CloseNotification(context.Context) error {
	l.log.Trace().Msg("Closing notification")
	return nil
}

func (l logNotifier) OpenWindow(_ context.Context, url string) error {
	l.log.Info().Str("url", url).Msg("Opening window")
	return nil
}
