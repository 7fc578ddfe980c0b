package gateway

// State is the lifecycle state of a gateway instance.
type State int

const (
	StateParsed State = iota
	StateInstalling
	// Installed and waiting to become active.
	StateInstalled
	StateActivating
	StateActivated
	// Failed to install, or replaced by a newer instance.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	prev := g.state
	g.state = s
	g.mu.Unlock()
	if prev != s {
		g.log.Trace().Str("from", prev.String()).Str("to", s.String()).Msg("State change")
	}
}
