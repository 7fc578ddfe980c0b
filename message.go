package gateway

import (
	"encoding/json"
	"fmt"
)

// Command is a message posted to the gateway by a controlled page.
// The set of commands is closed: SkipWaitingCommand, or UnknownCommand for
// anything that is not recognized.
type Command interface {
	commandType() string
}

// SkipWaitingCommand makes a waiting instance become active without waiting
// for the clients of the current instance to close.
type SkipWaitingCommand struct{}

func (SkipWaitingCommand) commandType() string { return "SKIP_WAITING" }

// UnknownCommand is any message with an unrecognized type. It is ignored.
type UnknownCommand struct {
	Type string
}

func (c UnknownCommand) commandType() string { return c.Type }

type commandMessage struct {
	Type string `json:"type"`
}

// ParseCommand decodes a `{"type": "..."}` message.
func ParseCommand(data []byte) (Command, error) {
	var msg commandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case "SKIP_WAITING":
		return SkipWaitingCommand{}, nil
	default:
		return UnknownCommand{Type: msg.Type}, nil
	}
}

// HandleMessage applies a command to this instance.
// Unrecognized commands are ignored.
func (g *Gateway) HandleMessage(cmd Command) {
	switch cmd.(type) {
	case SkipWaitingCommand:
		g.log.Debug().Msg("Skip waiting requested")
		g.SkipWaiting()
	default:
		if cmd != nil {
			g.log.Trace().Str("type", cmd.commandType()).Msg("Ignoring unknown message")
		}
	}
}
