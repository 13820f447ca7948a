// Package engine defines the boundary between the relay and the agent engine
// that actually produces conversational output. The relay drives an engine
// through Client and never looks inside it: an engine may be an in-process
// model loop or an external process speaking a stream protocol.
package engine

import (
	"context"
	"errors"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	"github.com/cloudwego/eino/schema"
)

// ErrNotConnected is returned by clients used before Connect or after Disconnect.
var ErrNotConnected = errors.New("engine client not connected")

// ConnectOptions configures one pooled connection.
type ConnectOptions struct {
	// Slot is the pool index of the connection, for logging.
	Slot int
}

// Request is one user turn.
type Request struct {
	// SessionID is the engine session to continue; empty starts a new session.
	SessionID string
	Content   model.Content
}

// Connector establishes engine connections. Connections are expensive, so the
// pool creates them lazily and recycles them across sessions.
type Connector interface {
	Connect(ctx context.Context, opts ConnectOptions) (Client, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, opts ConnectOptions) (Client, error)

func (f ConnectorFunc) Connect(ctx context.Context, opts ConnectOptions) (Client, error) {
	return f(ctx, opts)
}

// Client is one established bidirectional channel to the engine. A client
// serves at most one in-flight query; callers serialize access.
type Client interface {
	// Query submits user content. The response is read with ReceiveResponse.
	Query(ctx context.Context, req Request) error

	// ReceiveResponse streams the raw messages of the current turn. The reader
	// returns io.EOF after the turn's ResultMessage.
	ReceiveResponse(ctx context.Context) (*schema.StreamReader[Message], error)

	// Interrupt asks the engine to stop the in-flight turn early. The turn
	// still ends with a ResultMessage.
	Interrupt(ctx context.Context) error

	// Disconnect tears the connection down.
	Disconnect(ctx context.Context) error
}
