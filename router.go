package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

var errNoActive = errors.New("no active gateway")

// ControlPrefix is the path under which the control endpoints are mounted.
const ControlPrefix = "/.cache-gateway"

// maximum size of message and push bodies
const maxControlBody = 64 << 10

// InstanceStatus describes one gateway instance.
type InstanceStatus struct {
	VersionTag string   `json:"version"`
	Store      string   `json:"store"`
	State      string   `json:"state"`
	Entries    []string `json:"entries"`
}

// Status describes the registration.
type Status struct {
	Active  *InstanceStatus `json:"active"`
	Waiting *InstanceStatus `json:"waiting"`
	Clients int             `json:"clients"`
}

func instanceStatus(g *Gateway) *InstanceStatus {
	if g == nil {
		return nil
	}
	status := &InstanceStatus{
		VersionTag: g.VersionTag(),
		Store:      g.StoreName(),
		State:      g.State().String(),
		Entries:    []string{},
	}
	keys, err := g.Keys()
	if err != nil {
		g.log.Error().Err(err).Msg("Could not list cache entries")
		return status
	}
	for _, key := range keys {
		if req, err := g.keyer.GetRequestFromKey(key); err == nil {
			status.Entries = append(status.Entries, req.URL.String())
		}
	}
	return status
}

// Status returns a snapshot of the registration.
func (reg *Registration) Status() Status {
	reg.mu.Lock()
	active, waiting, clients := reg.active, reg.waiting, len(reg.clients)
	reg.mu.Unlock()
	return Status{
		Active:  instanceStatus(active),
		Waiting: instanceStatus(waiting),
		Clients: clients,
	}
}

// Router returns a handler with the control endpoints mounted under
// ControlPrefix and every other request handled by the registration.
func (reg *Registration) Router() http.Handler {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", reg.handleMessage)
		r.Post("/push", reg.handlePush)
		r.Post("/notificationclick", reg.handleNotificationClick)
		r.Put("/clients/{id}", reg.handleAttach)
		r.Delete("/clients/{id}", reg.handleDetach)
		r.Get("/status", reg.handleStatus)
	})
	r.Handle("/*", reg)
	return r
}

func (reg *Registration) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "Could not read message", http.StatusBadRequest)
		return
	}
	cmd, err := ParseCommand(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reg.PostMessage(r.Context(), cmd)
	w.WriteHeader(http.StatusAccepted)
}

func (reg *Registration) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "Could not read payload", http.StatusBadRequest)
		return
	}
	n, err := reg.Push(r.Context(), payload)
	if err != nil {
		reg.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(n)
}

type clickMessage struct {
	Action string `json:"action"`
}

func (reg *Registration) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var msg clickMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&msg); err != nil && err != io.EOF {
		http.Error(w, "Could not decode click", http.StatusBadRequest)
		return
	}
	if err := reg.NotificationClick(r.Context(), msg.Action); err != nil {
		reg.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (reg *Registration) handleAttach(w http.ResponseWriter, r *http.Request) {
	reg.Attach(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (reg *Registration) handleDetach(w http.ResponseWriter, r *http.Request) {
	reg.Detach(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (reg *Registration) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reg.Status()); err != nil {
		reg.log.Error().Err(err).Msg("Could not write status")
	}
}

func (reg *Registration) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNoActive) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	reg.log.Error().Err(err).Msg("Control request failed")
	http.Error(w, "Internal error", http.StatusInternalServerError)
}
