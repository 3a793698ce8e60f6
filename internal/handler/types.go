// Package handler is the protocol-independent RPC pipeline: validate the
// decoded request, look up the rule document, select a response option,
// render templates and emit the result. All four wire protocols call
// into it with the same normalized shapes.
package handler

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/wudi/grpcmock/internal/protocol"
	"github.com/wudi/grpcmock/internal/rules"
	"github.com/wudi/grpcmock/internal/schema"
	"github.com/wudi/grpcmock/internal/validate"
)

// Snapshot bundles the registry, rule index and validation engine in
// effect for one call. Adapters take a snapshot once per call; a reload
// publishes a new triple without touching snapshots already handed out,
// so a request observes either the old state or the new, never a mix.
type Snapshot struct {
	Registry *schema.Registry
	Rules    *rules.Index
	Engine   *validate.Engine
}

// Call identifies one RPC against a snapshot. Metadata keys are
// lower-cased by the adapter before the handler sees them.
type Call struct {
	Snap     *Snapshot
	Meta     *schema.HandlerMeta
	Metadata map[string]string
}

// Reply is a successful unary result: the populated response message
// plus trailers with the reserved status keys stripped.
type Reply struct {
	Msg      proto.Message
	Trailers map[string]string
}

// RPCError is the normalized error form adapters translate to their
// wire encoding.
type RPCError struct {
	Code       int
	Message    string
	Trailers   map[string]string
	Violations []validate.Violation
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", protocol.CodeName(e.Code), e.Message)
}

// Name returns the canonical uppercase status code name.
func (e *RPCError) Name() string {
	return protocol.CodeName(e.Code)
}

// RecvFunc pulls the next decoded client-stream message; it returns
// io.EOF when the client half-closes.
type RecvFunc func() (proto.Message, error)

// SendFunc pushes one response message onto the transport.
type SendFunc func(proto.Message) error
