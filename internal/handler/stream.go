package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"

	"google.golang.org/protobuf/proto"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/protocol"
	"github.com/wudi/grpcmock/internal/rules"
	"github.com/wudi/grpcmock/internal/template"
	"github.com/wudi/grpcmock/internal/validate"
)

// ServerStream runs the pipeline for a server-streaming RPC, pushing
// each rendered item through send. The returned trailers accompany the
// final close; a non-nil error terminates the stream with that status.
func (h *Handler) ServerStream(ctx context.Context, call *Call, req proto.Message, send SendFunc) (map[string]string, *RPCError) {
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
	return h.streamRespond(ctx, call, doc, reqJSON, send)
}

// ClientStream drains the input, validates per the configured mode,
// builds the aggregated request document and answers with a single
// unary-style response.
func (h *Handler) ClientStream(ctx context.Context, call *Call, recv RecvFunc) (*Reply, *RPCError) {
	agg, rerr := h.collect(ctx, call, recv)
	if rerr != nil {
		return nil, rerr
	}
	doc, rerr := h.lookupRule(call)
	if rerr != nil {
		return nil, rerr
	}
	return h.respondUnary(ctx, call, doc, agg)
}

// Bidi collects the input like a client stream, then emits the selected
// sequence like a server stream.
func (h *Handler) Bidi(ctx context.Context, call *Call, recv RecvFunc, send SendFunc) (map[string]string, *RPCError) {
	agg, rerr := h.collect(ctx, call, recv)
	if rerr != nil {
		return nil, rerr
	}
	doc, rerr := h.lookupRule(call)
	if rerr != nil {
		return nil, rerr
	}
	return h.streamRespond(ctx, call, doc, agg, send)
}

// streamRespond selects a response option and emits its item sequence.
func (h *Handler) streamRespond(ctx context.Context, call *Call, doc *rules.RuleDoc, reqJSON []byte, send SendFunc) (map[string]string, *RPCError) {
	in := rules.Input{RequestJSON: reqJSON, Metadata: call.Metadata}
	opt := rules.Select(doc, in)
	if opt == nil {
		// Close OK with zero messages.
		return map[string]string{}, nil
	}

	tctx := &template.Context{RequestJSON: reqJSON, Metadata: call.Metadata}
	trailers := renderTrailers(opt.Trailers, tctx)

	if code := opt.StatusCode(); code != protocol.CodeOK {
		return trailers, h.statusError(opt, code, tctx, trailers)
	}
	return trailers, h.emitItems(ctx, call, opt, reqJSON, send)
}

// emitItems streams the option's items with the configured delays,
// looping and shuffling. Items are rendered per emission so stream.*
// template fields see the current position.
func (h *Handler) emitItems(ctx context.Context, call *Call, opt *rules.ResponseOption, reqJSON []byte, send SendFunc) *RPCError {
	// Without stream_items the body is the single item; a bodyless
	// option still emits one empty message. An explicit empty
	// stream_items list emits nothing.
	items := opt.StreamItems
	if !opt.HasStreamItems {
		items = []any{opt.Body}
	}
	if len(items) == 0 {
		return nil
	}

	if rerr := sleepCtx(ctx, opt.DelayMs); rerr != nil {
		return rerr
	}

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}

	emitted := 0
	for {
		if opt.StreamRandomOrder {
			// Fresh Fisher-Yates pass each time through.
			rand.Shuffle(len(order), func(i, j int) {
				order[i], order[j] = order[j], order[i]
			})
		}
		for i, idx := range order {
			last := !opt.StreamLoop && i == len(order)-1
			tctx := &template.Context{
				RequestJSON: reqJSON,
				Metadata:    call.Metadata,
				Stream: &template.StreamInfo{
					Index:   emitted,
					Total:   len(items),
					IsFirst: emitted == 0,
					IsLast:  last,
				},
			}
			rendered := template.Render(items[idx], tctx)
			msg, err := h.buildMessage(call, rendered)
			if err != nil {
				return internalError(err)
			}
			if err := send(msg); err != nil {
				if rerr := cancelledError(ctx); rerr != nil {
					return rerr
				}
				return &RPCError{Code: protocol.CodeUnavailable, Message: err.Error()}
			}
			emitted++
			if !last {
				if rerr := sleepCtx(ctx, opt.StreamDelayMs); rerr != nil {
					return rerr
				}
			}
		}
		if !opt.StreamLoop {
			return nil
		}
		if rerr := cancelledError(ctx); rerr != nil {
			return rerr
		}
	}
}

// collect drains a client stream into the aggregated request document
// {stream, items, first, last, count}. In per_message mode each message
// is validated as it arrives and the first failure returns immediately;
// in aggregate mode all messages are validated after EOF and the
// violations are combined.
func (h *Handler) collect(ctx context.Context, call *Call, recv RecvFunc) ([]byte, *RPCError) {
	perMessage := h.cfg.Mode == config.ModePerMessage

	docs := []any{}
	var pending []proto.Message
	for {
		msg, err := recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if rerr := cancelledError(ctx); rerr != nil {
				return nil, rerr
			}
			return nil, internalError(err)
		}

		if perMessage {
			if rerr := h.validateOne(call, msg); rerr != nil {
				return nil, rerr
			}
		} else {
			pending = append(pending, msg)
		}

		b, err := marshalRequest(msg)
		if err != nil {
			return nil, internalError(err)
		}
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, internalError(err)
		}
		docs = append(docs, doc)
	}

	if !perMessage {
		var all []validate.Violation
		for _, msg := range pending {
			res, rerr := h.runValidation(call, msg)
			if rerr != nil {
				return nil, rerr
			}
			if res != nil {
				all = append(all, res.Violations...)
			}
		}
		if len(all) > 0 {
			return nil, invalidArgument(all)
		}
	}

	agg := map[string]any{
		"stream": docs,
		"items":  docs,
		"count":  len(docs),
	}
	if len(docs) > 0 {
		agg["first"] = docs[0]
		agg["last"] = docs[len(docs)-1]
	}
	b, err := json.Marshal(agg)
	if err != nil {
		return nil, internalError(err)
	}
	return b, nil
}
