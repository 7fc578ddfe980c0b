package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// ClientHeader identifies the client (open page) a request belongs to.
// Requests without it are handled by the active instance.
const ClientHeader = "Cache-Gateway-Client"

// Registration owns the gateway instances of a site: the active one, which
// controls clients and answers requests, and at most one waiting instance
// that has been installed but not activated yet.
type Registration struct {
	log zerolog.Logger

	mu      sync.Mutex
	active  *Gateway
	waiting *Gateway
	// the most recently created instance, used to pass requests through
	// while nothing is active
	latest  *Gateway
	clients map[string]*Gateway
}

func NewRegistration(logger *zerolog.Logger) *Registration {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Registration{
		log:     l,
		clients: make(map[string]*Gateway),
	}
}

// Register installs a new instance for the given deployment.
// If the install fails the previous instance (if any) stays in control and the error is returned.
// Otherwise the new instance waits, or is activated right away when it asked
// to skip waiting, when nothing is active, or when the active instance has no clients.
func (reg *Registration) Register(ctx context.Context, config Config) (*Gateway, error) {
	g, err := New(config)
	if err != nil {
		return nil, err
	}
	reg.mu.Lock()
	reg.latest = g
	reg.mu.Unlock()

	if err := g.Install(ctx); err != nil {
		return g, err
	}

	reg.mu.Lock()
	if reg.waiting != nil {
		reg.waiting.setState(StateRedundant)
	}
	reg.waiting = g
	reg.mu.Unlock()

	reg.maybeActivate(ctx)
	return g, nil
}

// maybeActivate activates the waiting instance if nothing holds it back.
func (reg *Registration) maybeActivate(ctx context.Context) {
	reg.mu.Lock()
	next := reg.waiting
	if next == nil {
		reg.mu.Unlock()
		return
	}
	old := reg.active
	if old != nil && !next.shouldSkipWaiting() && reg.clientCount(old) > 0 {
		reg.mu.Unlock()
		return
	}
	reg.waiting = nil
	reg.mu.Unlock()

	// stop the outgoing instance's cache writes before cleaning up
	if old != nil {
		old.retire()
	}
	if err := next.Activate(ctx); err != nil {
		reg.log.Error().Err(err).Str("store", next.StoreName()).Msg("Activation cleanup incomplete")
	}

	reg.mu.Lock()
	reg.active = next
	if old != nil {
		old.setState(StateRedundant)
	}
	reg.log.Debug().Str("store", next.StoreName()).Int("clients", len(reg.clients)).Msg("Claiming clients")
	for id := range reg.clients {
		reg.clients[id] = next
	}
	reg.mu.Unlock()
}

// clientCount must be called with the lock held.
func (reg *Registration) clientCount(g *Gateway) int {
	count := 0
	for _, controller := range reg.clients {
		if controller == g {
			count++
		}
	}
	return count
}

// Attach registers an open client. It is controlled by the active instance.
func (reg *Registration) Attach(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.clients[id] = reg.active
}

// Detach removes a client. When the last client of the active instance goes
// away, a waiting instance takes over.
func (reg *Registration) Detach(ctx context.Context, id string) {
	reg.mu.Lock()
	delete(reg.clients, id)
	reg.mu.Unlock()
	reg.maybeActivate(ctx)
}

// Controller returns the instance controlling the client, or nil.
func (reg *Registration) Controller(id string) *Gateway {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.clients[id]
}

// Active returns the active instance, or nil.
func (reg *Registration) Active() *Gateway {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.active
}

// Waiting returns the installed instance waiting to become active, or nil.
func (reg *Registration) Waiting() *Gateway {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.waiting
}

// PostMessage delivers a command to the waiting instance (or the active one
// if none is waiting) and activates the waiting instance if the command allows it.
func (reg *Registration) PostMessage(ctx context.Context, cmd Command) {
	reg.mu.Lock()
	target := reg.waiting
	if target == nil {
		target = reg.active
	}
	reg.mu.Unlock()
	if target == nil {
		return
	}
	target.HandleMessage(cmd)
	reg.maybeActivate(ctx)
}

// Push delivers a push payload to the active instance.
func (reg *Registration) Push(ctx context.Context, payload []byte) (Notification, error) {
	active := reg.Active()
	if active == nil {
		return Notification{}, errNoActive
	}
	return active.HandlePush(ctx, payload)
}

// NotificationClick delivers a notification click to the active instance.
func (reg *Registration) NotificationClick(ctx context.Context, action string) error {
	active := reg.Active()
	if active == nil {
		return errNoActive
	}
	return active.HandleNotificationClick(ctx, action)
}

// ServeHTTP dispatches the request to the instance controlling its client.
// With no instance active, requests go straight to the network.
func (reg *Registration) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reg.mu.Lock()
	controller := reg.active
	if id := r.Header.Get(ClientHeader); id != "" {
		if c, ok := reg.clients[id]; ok && c != nil {
			controller = c
		}
	}
	latest := reg.latest
	reg.mu.Unlock()

	if controller != nil {
		controller.ServeHTTP(w, r)
		return
	}
	if latest != nil {
		latest.escapeHatch(w, r)
		return
	}
	http.Error(w, errNoActive.Error(), http.StatusServiceUnavailable)
}
