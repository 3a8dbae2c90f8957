// Package driver defines the uniform Driver abstraction that the executor
// and runtime state machine program against, and the factory that resolves
// a template's protocol_type to a concrete implementation.
package driver

import (
	"context"
	"fmt"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/model"
)

// MessageHandler is invoked for inbound asynchronous messages. Only the
// MQTT driver delivers any (one call per inbound publish); the modbus,
// serial and TCP drivers ignore a registered handler. It never blocks the
// driver's own read loop — implementations must dispatch it onto its own
// goroutine.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Driver is the one seam every protocol plugs into: connect/disconnect
// lifecycle, a single execute_action entry point keyed by a dotted action
// name, and an optional inbound-message subscription.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error)
	RegisterMessageHandler(h MessageHandler)
}

// Factory resolves connection_params into a Driver, keyed by the
// template's protocol_type — build_driver in the original Python
// implementation.
type Factory func(protocolType model.ProtocolType, connectionParams map[string]any) (Driver, error)

var registry = map[model.ProtocolType]Factory{}

// Register installs a protocol's factory. Called from each driver
// sub-package's init().
func Register(pt model.ProtocolType, f Factory) {
	registry[pt] = f
}

// Build resolves a driver for the given protocol type.
func Build(protocolType model.ProtocolType, connectionParams map[string]any) (Driver, error) {
	f, ok := registry[protocolType]
	if !ok {
		return nil, apperr.New(apperr.Unsupported, fmt.Sprintf("unsupported protocol_type %q", protocolType))
	}
	return f(protocolType, connectionParams)
}

// baseDriver holds embeddable MessageHandler plumbing. No driver variant
// embeds it; modbus, tcp and serial each define their own no-op
// RegisterMessageHandler.
type baseDriver struct {
	handler MessageHandler
}

func (b *baseDriver) RegisterMessageHandler(h MessageHandler) { b.handler = h }
