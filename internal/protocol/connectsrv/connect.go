package connectsrv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/wudi/grpcmock/internal/handler"
	"github.com/wudi/grpcmock/internal/protocol"
)

// Connect end-stream frame flag.
const connectEndStreamFlag = 0x02

// serveConnect handles the Connect protocol. Unary calls use plain
// request and response bodies; streaming calls use the five-byte
// envelope with a JSON end-stream frame.
func (s *Server) serveConnect(w http.ResponseWriter, r *http.Request, ct string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	call, meta, ok := s.resolve(r)
	if !ok {
		writeConnectError(w, &handler.RPCError{
			Code:    protocol.CodeUnimplemented,
			Message: fmt.Sprintf("unknown method %s", strings.Trim(r.URL.Path, "/")),
		})
		return
	}

	jsonCodec := strings.Contains(ct, "json")
	enveloped := strings.HasPrefix(ct, "application/connect+")

	switch {
	case meta.ClientStream || meta.ServerStream:
		s.connectStream(w, r, call, jsonCodec, enveloped)
	default:
		s.connectUnary(w, r, call, ct, jsonCodec, enveloped)
	}
}

func (s *Server) connectUnary(w http.ResponseWriter, r *http.Request, call *handler.Call, ct string, jsonCodec, enveloped bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeConnectError(w, &handler.RPCError{Code: protocol.CodeInternal, Message: err.Error()})
		return
	}
	if enveloped {
		er := newEnvelopeReader(body)
		_, body, err = er.next()
		if err != nil {
			writeConnectError(w, &handler.RPCError{Code: protocol.CodeInvalidArgument, Message: "malformed envelope"})
			return
		}
	}

	msg, rerr := decodeRequest(body, call, jsonCodec)
	if rerr != nil {
		writeConnectError(w, rerr)
		return
	}
	reply, rerr := s.handler.Unary(r.Context(), call, msg)
	if rerr != nil {
		writeConnectError(w, rerr)
		return
	}

	out, err := encodeResponse(reply.Msg, call, jsonCodec)
	if err != nil {
		writeConnectError(w, &handler.RPCError{Code: protocol.CodeInternal, Message: err.Error()})
		return
	}
	for k, v := range reply.Trailers {
		w.Header().Set("Trailer-"+k, v)
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// connectStream covers server-stream, client-stream and bidi. Streaming
// errors arrive in the end-stream frame on a 200, per the Connect spec.
func (s *Server) connectStream(w http.ResponseWriter, r *http.Request, call *handler.Call, jsonCodec, enveloped bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeConnectError(w, &handler.RPCError{Code: protocol.CodeInternal, Message: err.Error()})
		return
	}
	er := newEnvelopeReader(body)

	recv := func() (proto.Message, error) {
		flags, payload, err := er.next()
		if err != nil {
			return nil, io.EOF
		}
		if flags&connectEndStreamFlag != 0 {
			return nil, io.EOF
		}
		msg, rerr := decodeRequest(payload, call, jsonCodec)
		if rerr != nil {
			return nil, fmt.Errorf("%s", rerr.Message)
		}
		return msg, nil
	}
	// A non-enveloped body on a server-stream call is one bare message.
	if !enveloped && !call.Meta.ClientStream {
		done := false
		recv = func() (proto.Message, error) {
			if done {
				return nil, io.EOF
			}
			done = true
			msg, rerr := decodeRequest(body, call, jsonCodec)
			if rerr != nil {
				return nil, fmt.Errorf("%s", rerr.Message)
			}
			return msg, nil
		}
	}

	respCT := "application/connect+proto"
	if jsonCodec {
		respCT = "application/connect+json"
	}
	w.Header().Set("Content-Type", respCT)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var sendErr error
	send := func(m proto.Message) error {
		b, err := encodeResponse(m, call, jsonCodec)
		if err != nil {
			return err
		}
		if err := writeEnvelope(w, 0, b); err != nil {
			sendErr = err
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	var trailers map[string]string
	var rerr *handler.RPCError
	switch {
	case call.Meta.ClientStream && call.Meta.ServerStream:
		trailers, rerr = s.handler.Bidi(r.Context(), call, recv, send)
	case call.Meta.ClientStream:
		var reply *handler.Reply
		reply, rerr = s.handler.ClientStream(r.Context(), call, recv)
		if rerr == nil {
			trailers = reply.Trailers
			if err := send(reply.Msg); err != nil {
				return
			}
		}
	default:
		msg, err := recv()
		if err != nil {
			rerr = &handler.RPCError{Code: protocol.CodeInvalidArgument, Message: "missing request message"}
			break
		}
		trailers, rerr = s.handler.ServerStream(r.Context(), call, msg, send)
	}
	if sendErr != nil {
		return
	}

	end := map[string]any{}
	if len(trailers) > 0 {
		md := make(map[string][]string, len(trailers))
		for k, v := range trailers {
			md[k] = []string{v}
		}
		end["metadata"] = md
	}
	if rerr != nil {
		end["error"] = connectErrorBody(rerr)
	}
	frame, _ := json.Marshal(end)
	writeEnvelope(w, connectEndStreamFlag, frame)
	if flusher != nil {
		flusher.Flush()
	}
}

// decodeRequest fills a dynamic message from wire bytes.
func decodeRequest(data []byte, call *handler.Call, jsonCodec bool) (proto.Message, *handler.RPCError) {
	msg := dynamicpb.NewMessage(call.Meta.Input)
	var err error
	if jsonCodec {
		if len(data) == 0 {
			data = []byte("{}")
		}
		err = protojson.UnmarshalOptions{
			DiscardUnknown: true,
			Resolver:       call.Snap.Registry.Types(),
		}.Unmarshal(data, msg)
	} else {
		err = proto.Unmarshal(data, msg)
	}
	if err != nil {
		return nil, &handler.RPCError{
			Code:    protocol.CodeInvalidArgument,
			Message: fmt.Sprintf("decode %s: %v", call.Meta.Input.FullName(), err),
		}
	}
	return msg, nil
}

// encodeResponse renders a response message in the negotiated codec.
func encodeResponse(m proto.Message, call *handler.Call, jsonCodec bool) ([]byte, error) {
	if jsonCodec {
		return protojson.MarshalOptions{
			UseProtoNames: true,
			Resolver:      call.Snap.Registry.Types(),
		}.Marshal(m)
	}
	return proto.Marshal(m)
}

// connectErrorBody is the Connect error JSON shape.
func connectErrorBody(rerr *handler.RPCError) map[string]any {
	body := map[string]any{
		"code":    protocol.ConnectCodeName(rerr.Code),
		"message": rerr.Message,
	}
	if len(rerr.Violations) > 0 {
		body["details"] = rerr.Violations
	}
	return body
}

func writeConnectError(w http.ResponseWriter, rerr *handler.RPCError) {
	for k, v := range rerr.Trailers {
		w.Header().Set("Trailer-"+k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protocol.HTTPStatus(rerr.Code))
	json.NewEncoder(w).Encode(connectErrorBody(rerr))
}

// envelopeReader walks five-byte-prefixed frames in a buffer.
type envelopeReader struct {
	buf []byte
	off int
}

func newEnvelopeReader(buf []byte) *envelopeReader {
	return &envelopeReader{buf: buf}
}

func (e *envelopeReader) next() (flags byte, payload []byte, err error) {
	if e.off+5 > len(e.buf) {
		return 0, nil, io.EOF
	}
	flags = e.buf[e.off]
	n := binary.BigEndian.Uint32(e.buf[e.off+1 : e.off+5])
	start := e.off + 5
	if start+int(n) > len(e.buf) {
		return 0, nil, fmt.Errorf("truncated frame: want %d bytes", n)
	}
	e.off = start + int(n)
	return flags, e.buf[start : start+int(n)], nil
}

func writeEnvelope(w io.Writer, flags byte, payload []byte) error {
	head := [5]byte{flags}
	binary.BigEndian.PutUint32(head[1:], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
