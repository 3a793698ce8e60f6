package connectsrv

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/wudi/grpcmock/internal/handler"
	"github.com/wudi/grpcmock/internal/protocol"
)

// gRPC-Web frame flags.
const (
	webDataFlag    = 0x00
	webTrailerFlag = 0x80
)

// serveGRPCWeb handles application/grpc-web and its -text and +json
// variants. Responses are always HTTP 200; the verdict travels in the
// trailer frame.
func (s *Server) serveGRPCWeb(w http.ResponseWriter, r *http.Request, ct string) {
	textMode := strings.Contains(ct, "-text")
	jsonCodec := strings.Contains(ct, "+json")

	ww := &webWriter{w: w, text: textMode}
	w.Header().Set("Content-Type", ct)

	call, meta, ok := s.resolve(r)
	if !ok {
		w.WriteHeader(http.StatusOK)
		ww.writeTrailers(&handler.RPCError{
			Code:    protocol.CodeUnimplemented,
			Message: fmt.Sprintf("unknown method %s", strings.Trim(r.URL.Path, "/")),
		}, nil)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusOK)
		ww.writeTrailers(&handler.RPCError{Code: protocol.CodeInternal, Message: err.Error()}, nil)
		return
	}
	if textMode {
		decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
		if err != nil {
			w.WriteHeader(http.StatusOK)
			ww.writeTrailers(&handler.RPCError{Code: protocol.CodeInvalidArgument, Message: "invalid base64 body"}, nil)
			return
		}
		body = decoded
	}

	frames, rerr := parseWebFrames(body)
	if rerr != nil {
		w.WriteHeader(http.StatusOK)
		ww.writeTrailers(rerr, nil)
		return
	}

	pos := 0
	recv := func() (proto.Message, error) {
		if pos >= len(frames) {
			return nil, io.EOF
		}
		payload := frames[pos]
		pos++
		msg, derr := decodeRequest(payload, call, jsonCodec)
		if derr != nil {
			return nil, fmt.Errorf("%s", derr.Message)
		}
		return msg, nil
	}
	send := func(m proto.Message) error {
		b, err := encodeResponse(m, call, jsonCodec)
		if err != nil {
			return err
		}
		return ww.writeFrame(webDataFlag, b)
	}

	w.WriteHeader(http.StatusOK)

	var trailers map[string]string
	var herr *handler.RPCError
	switch {
	case meta.ClientStream && meta.ServerStream:
		trailers, herr = s.handler.Bidi(r.Context(), call, recv, send)
	case meta.ClientStream:
		var reply *handler.Reply
		reply, herr = s.handler.ClientStream(r.Context(), call, recv)
		if herr == nil {
			trailers = reply.Trailers
			if err := send(reply.Msg); err != nil {
				return
			}
		}
	case meta.ServerStream:
		msg, err := recv()
		if err != nil {
			herr = &handler.RPCError{Code: protocol.CodeInvalidArgument, Message: "missing request message"}
			break
		}
		trailers, herr = s.handler.ServerStream(r.Context(), call, msg, send)
	default:
		msg, err := recv()
		if err != nil {
			herr = &handler.RPCError{Code: protocol.CodeInvalidArgument, Message: "missing request message"}
			break
		}
		var reply *handler.Reply
		reply, herr = s.handler.Unary(r.Context(), call, msg)
		if herr == nil {
			trailers = reply.Trailers
			if err := send(reply.Msg); err != nil {
				return
			}
		}
	}

	if herr != nil && herr.Trailers != nil {
		trailers = herr.Trailers
	}
	ww.writeTrailers(herr, trailers)
}

// parseWebFrames splits the request body into data frame payloads.
func parseWebFrames(body []byte) ([][]byte, *handler.RPCError) {
	var frames [][]byte
	off := 0
	for off+5 <= len(body) {
		flag := body[off]
		n := binary.BigEndian.Uint32(body[off+1 : off+5])
		start := off + 5
		if start+int(n) > len(body) {
			return nil, &handler.RPCError{Code: protocol.CodeInvalidArgument, Message: "truncated grpc-web frame"}
		}
		if flag&webTrailerFlag == 0 {
			if flag != webDataFlag {
				return nil, &handler.RPCError{Code: protocol.CodeUnimplemented, Message: "compressed frames not supported"}
			}
			frames = append(frames, body[start:start+int(n)])
		}
		off = start + int(n)
	}
	return frames, nil
}

// webWriter emits frames, base64-encoding each one in text mode.
type webWriter struct {
	w    http.ResponseWriter
	text bool
}

func (ww *webWriter) writeFrame(flag byte, payload []byte) error {
	head := [5]byte{flag}
	binary.BigEndian.PutUint32(head[1:], uint32(len(payload)))
	frame := append(head[:], payload...)
	if ww.text {
		frame = []byte(base64.StdEncoding.EncodeToString(frame))
	}
	if _, err := ww.w.Write(frame); err != nil {
		return err
	}
	if f, ok := ww.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// writeTrailers emits the 0x80 trailer frame carrying grpc-status,
// grpc-message and any custom trailing metadata.
func (ww *webWriter) writeTrailers(herr *handler.RPCError, trailers map[string]string) {
	lines := map[string]string{}
	for k, v := range trailers {
		lines[strings.ToLower(k)] = sanitizeTrailer(v)
	}
	if herr != nil {
		lines["grpc-status"] = strconv.Itoa(herr.Code)
		lines["grpc-message"] = sanitizeTrailer(herr.Message)
	} else {
		lines["grpc-status"] = "0"
	}

	keys := make([]string, 0, len(lines))
	for k := range lines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(lines[k])
		sb.WriteString("\r\n")
	}
	ww.writeFrame(webTrailerFlag, []byte(sb.String()))
}

func sanitizeTrailer(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
