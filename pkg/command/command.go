// Package command holds the wire types of the MQTT command path and the
// dispatcher contract actuators implement.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const (
	unknownID      = "unknown"
	unknownCommand = "Unknown command"
)

// Command is a request addressed to one component of a device.
type Command struct {
	ID        string `json:"id"`
	Component string `json:"component"`
	Action    string `json:"action"`
	Value     string `json:"value"`
}

// Ack answers a Command on the device's ack topic.
type Ack struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Status is the periodic presence message.
type Status struct {
	DeviceID     string   `json:"device_id"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	Timestamp    int64    `json:"timestamp"`
}

// Decode parses a command body. A missing id becomes "unknown" so the
// sender still gets an ack.
func Decode(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if c.ID == "" {
		c.ID = unknownID
	}
	return c, nil
}

// NewAck builds the acknowledgment for cmd.
func NewAck(cmd Command, ok bool, msg string, now time.Time) Ack {
	return Ack{CommandID: cmd.ID, Success: ok, Message: msg, Timestamp: now.Unix()}
}

// Dispatcher executes commands. Implementations live with the actuators.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) (ok bool, message string)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, cmd Command) (bool, string)

func (f DispatcherFunc) Dispatch(ctx context.Context, cmd Command) (bool, string) {
	return f(ctx, cmd)
}

// Mux routes commands by component. Unregistered components are refused.
type Mux struct {
	routes map[string]Dispatcher
}

func NewMux() *Mux { return &Mux{routes: make(map[string]Dispatcher)} }

func (m *Mux) Handle(component string, d Dispatcher) {
	m.routes[component] = d
}

func (m *Mux) Dispatch(ctx context.Context, cmd Command) (bool, string) {
	d, ok := m.routes[cmd.Component]
	if !ok {
		return false, unknownCommand
	}
	return d.Dispatch(ctx, cmd)
}

// Capabilities lists the registered components, sorted.
func (m *Mux) Capabilities() []string {
	out := make([]string, 0, len(m.routes))
	for c := range m.routes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
