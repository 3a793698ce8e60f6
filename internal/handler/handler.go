package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/logging"
	"github.com/wudi/grpcmock/internal/metrics"
	"github.com/wudi/grpcmock/internal/protocol"
	"github.com/wudi/grpcmock/internal/rules"
	"github.com/wudi/grpcmock/internal/template"
	"github.com/wudi/grpcmock/internal/validate"
)

// Handler is the shared request pipeline. It is stateless between calls
// and safe for concurrent use.
type Handler struct {
	cfg     config.ValidationConfig
	metrics *metrics.Collector
	log     *zap.Logger
}

// New builds a handler. The validation config is fixed for the process
// lifetime; the engine itself swaps with each reload via the snapshot.
func New(cfg config.ValidationConfig, m *metrics.Collector) *Handler {
	return &Handler{cfg: cfg, metrics: m, log: logging.Global()}
}

// Unary runs the full pipeline for a unary RPC.
func (h *Handler) Unary(ctx context.Context, call *Call, req proto.Message) (*Reply, *RPCError) {
	if rerr := h.validateOne(call, req); rerr != nil {
		return nil, rerr
	}
	doc, rerr := h.lookupRule(call)
	if rerr != nil {
		return nil, rerr
	}
	reqJSON, err := marshalRequest(req)
	if err != nil {
		return nil, internalError(err)
	}
	return h.respondUnary(ctx, call, doc, reqJSON)
}

// respondUnary selects, renders and materializes a single response. It
// is shared with the client-stream path, which feeds the aggregated
// request document instead of a single message.
func (h *Handler) respondUnary(ctx context.Context, call *Call, doc *rules.RuleDoc, reqJSON []byte) (*Reply, *RPCError) {
	in := rules.Input{RequestJSON: reqJSON, Metadata: call.Metadata}
	opt := rules.Select(doc, in)
	if opt == nil {
		// No eligible option: default OK with an empty body.
		return &Reply{Msg: dynamicpb.NewMessage(call.Meta.Output), Trailers: map[string]string{}}, nil
	}

	if rerr := sleepCtx(ctx, opt.DelayMs); rerr != nil {
		return nil, rerr
	}

	tctx := &template.Context{RequestJSON: reqJSON, Metadata: call.Metadata}
	trailers := renderTrailers(opt.Trailers, tctx)

	if code := opt.StatusCode(); code != protocol.CodeOK {
		return nil, h.statusError(opt, code, tctx, trailers)
	}

	rendered := template.Render(opt.Body, tctx)
	msg, err := h.buildMessage(call, rendered)
	if err != nil {
		return nil, internalError(err)
	}
	return &Reply{Msg: msg, Trailers: trailers}, nil
}

// statusError converts an error-response option into an RPCError,
// applying the canonical code mapping and the "mock error" default.
func (h *Handler) statusError(opt *rules.ResponseOption, code int, tctx *template.Context, trailers map[string]string) *RPCError {
	msg := opt.StatusMessage()
	if msg == "" {
		msg = "mock error"
	} else if s, ok := template.Render(msg, tctx).(string); ok {
		msg = s
	}
	return &RPCError{Code: code, Message: msg, Trailers: trailers}
}

// lookupRule fetches the rule document and records the match counters.
func (h *Handler) lookupRule(call *Call) (*rules.RuleDoc, *RPCError) {
	doc, ok := call.Snap.Rules.Get(call.Meta.RuleKey)
	if !ok {
		h.metrics.RecordRuleMiss()
		return nil, &RPCError{
			Code:    protocol.CodeUnimplemented,
			Message: fmt.Sprintf("No rule matched for %s/%s", call.Meta.ServiceFQN, call.Meta.Method),
		}
	}
	h.metrics.RecordRuleMatch(call.Meta.RuleKey)
	return doc, nil
}

// runValidation validates one message when a validator exists for its
// type. The first return is nil when validation is off or the type has
// no constraints.
func (h *Handler) runValidation(call *Call, msg proto.Message) (*validate.Result, *RPCError) {
	if !h.cfg.Enabled || call.Snap.Engine == nil {
		return nil, nil
	}
	pm := msg.ProtoReflect()
	fqn := string(pm.Descriptor().FullName())
	mir, ok := call.Snap.Engine.IR(fqn)
	if !ok {
		return nil, nil
	}
	res, err := call.Snap.Engine.Validate(pm)
	if err != nil {
		return nil, internalError(err)
	}
	h.metrics.RecordValidationCheck(res.FailedKinds(mir))
	if !res.OK {
		h.log.Debug("validation failed",
			zap.String("type", fqn),
			zap.Int("violations", len(res.Violations)))
	}
	return &res, nil
}

// validateOne validates a single message and converts a failure into
// INVALID_ARGUMENT.
func (h *Handler) validateOne(call *Call, msg proto.Message) *RPCError {
	res, rerr := h.runValidation(call, msg)
	if rerr != nil {
		return rerr
	}
	if res == nil || res.OK {
		return nil
	}
	return invalidArgument(res.Violations)
}

func invalidArgument(violations []validate.Violation) *RPCError {
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Description)
	}
	return &RPCError{
		Code:       protocol.CodeInvalidArgument,
		Message:    "validation failed: " + strings.Join(parts, "; "),
		Violations: violations,
	}
}

func internalError(err error) *RPCError {
	return &RPCError{Code: protocol.CodeInternal, Message: err.Error()}
}

// buildMessage materializes a rendered JSON tree into the response
// message type via descriptor-guided protojson unmarshalling.
func (h *Handler) buildMessage(call *Call, tree any) (proto.Message, error) {
	msg := dynamicpb.NewMessage(call.Meta.Output)
	if tree == nil {
		return msg, nil
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode response body: %w", err)
	}
	opts := protojson.UnmarshalOptions{
		DiscardUnknown: true,
		Resolver:       call.Snap.Registry.Types(),
	}
	if err := opts.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("response body does not fit %s: %w", call.Meta.Output.FullName(), err)
	}
	return msg, nil
}

// marshalRequest renders a decoded message as the protojson document
// rule paths and templates resolve against.
func marshalRequest(msg proto.Message) ([]byte, error) {
	return protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
}

// renderTrailers stringifies non-reserved trailer values, running
// templates over string values.
func renderTrailers(raw map[string]any, tctx *template.Context) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if k == rules.TrailerStatus || k == rules.TrailerMessage {
			continue
		}
		if s, ok := v.(string); ok {
			if r, ok := template.Render(s, tctx).(string); ok {
				out[k] = r
				continue
			}
		}
		out[k] = scalarTrailer(v)
	}
	return out
}

func scalarTrailer(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// sleepCtx waits ms milliseconds or until the context ends, whichever
// comes first.
func sleepCtx(ctx context.Context, ms int) *RPCError {
	if ms <= 0 {
		return cancelledError(ctx)
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return cancelledError(ctx)
	}
}

// cancelledError maps a finished context to its status code; nil when
// the context is still live.
func cancelledError(ctx context.Context) *RPCError {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return &RPCError{Code: protocol.CodeDeadlineExceeded, Message: "deadline exceeded"}
	default:
		return &RPCError{Code: protocol.CodeCancelled, Message: "call cancelled"}
	}
}
