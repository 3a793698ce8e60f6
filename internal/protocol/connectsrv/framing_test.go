package connectsrv

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/grpcmock/internal/handler"
	"github.com/wudi/grpcmock/internal/protocol"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeEnvelope(&buf, 0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := writeEnvelope(&buf, connectEndStreamFlag, []byte("{}")); err != nil {
		t.Fatal(err)
	}

	er := newEnvelopeReader(buf.Bytes())

	flags, payload, err := er.next()
	if err != nil || flags != 0 || string(payload) != "hello" {
		t.Fatalf("frame 1 = (%d, %q, %v)", flags, payload, err)
	}
	flags, payload, err = er.next()
	if err != nil || flags != connectEndStreamFlag || string(payload) != "{}" {
		t.Fatalf("frame 2 = (%d, %q, %v)", flags, payload, err)
	}
	if _, _, err = er.next(); err != io.EOF {
		t.Errorf("exhausted reader should return EOF, got %v", err)
	}
}

func TestEnvelopeTruncated(t *testing.T) {
	er := newEnvelopeReader([]byte{0, 0, 0, 0, 10, 'x'})
	if _, _, err := er.next(); err == nil || err == io.EOF {
		t.Errorf("truncated frame should be an explicit error, got %v", err)
	}
}

func TestParseWebFrames(t *testing.T) {
	var buf bytes.Buffer
	writeEnvelope(&buf, webDataFlag, []byte("one"))
	writeEnvelope(&buf, webDataFlag, []byte("two"))

	frames, rerr := parseWebFrames(buf.Bytes())
	if rerr != nil {
		t.Fatal(rerr)
	}
	if len(frames) != 2 || string(frames[0]) != "one" || string(frames[1]) != "two" {
		t.Fatalf("frames = %q", frames)
	}
}

func TestParseWebFramesRejectsCompressed(t *testing.T) {
	var buf bytes.Buffer
	writeEnvelope(&buf, 0x01, []byte("zz"))
	if _, rerr := parseWebFrames(buf.Bytes()); rerr == nil || rerr.Code != protocol.CodeUnimplemented {
		t.Errorf("compressed flag should be UNIMPLEMENTED, got %+v", rerr)
	}
}

func TestParseWebFramesSkipsTrailerFrames(t *testing.T) {
	var buf bytes.Buffer
	writeEnvelope(&buf, webDataFlag, []byte("msg"))
	writeEnvelope(&buf, webTrailerFlag, []byte("grpc-status: 0\r\n"))

	frames, rerr := parseWebFrames(buf.Bytes())
	if rerr != nil || len(frames) != 1 {
		t.Fatalf("frames = %q, err %v", frames, rerr)
	}
}

func TestWebWriterTrailersSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &webWriter{w: rec}
	ww.writeTrailers(nil, map[string]string{"x-extra": "1"})

	er := newEnvelopeReader(rec.Body.Bytes())
	flags, payload, err := er.next()
	if err != nil || flags != webTrailerFlag {
		t.Fatalf("trailer frame = (%d, %v)", flags, err)
	}
	body := string(payload)
	if !strings.Contains(body, "grpc-status: 0\r\n") {
		t.Errorf("missing success status: %q", body)
	}
	if !strings.Contains(body, "x-extra: 1\r\n") {
		t.Errorf("missing custom trailer: %q", body)
	}
}

func TestWebWriterTrailersError(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &webWriter{w: rec}
	ww.writeTrailers(&handler.RPCError{Code: protocol.CodePermissionDenied, Message: "Underage"}, nil)

	er := newEnvelopeReader(rec.Body.Bytes())
	_, payload, err := er.next()
	if err != nil {
		t.Fatal(err)
	}
	body := string(payload)
	if !strings.Contains(body, "grpc-status: 7\r\n") {
		t.Errorf("missing status 7: %q", body)
	}
	if !strings.Contains(body, "grpc-message: Underage\r\n") {
		t.Errorf("missing message: %q", body)
	}
}

func TestWebWriterTextMode(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &webWriter{w: rec, text: true}
	if err := ww.writeFrame(webDataFlag, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	decoded, err := base64.StdEncoding.DecodeString(rec.Body.String())
	if err != nil {
		t.Fatalf("text mode output is not base64: %v", err)
	}
	er := newEnvelopeReader(decoded)
	flags, payload, err := er.next()
	if err != nil || flags != webDataFlag || string(payload) != "payload" {
		t.Fatalf("decoded frame = (%d, %q, %v)", flags, payload, err)
	}
}

func TestConnectErrorBody(t *testing.T) {
	body := connectErrorBody(&handler.RPCError{Code: protocol.CodePermissionDenied, Message: "Underage"})
	if body["code"] != "permission_denied" || body["message"] != "Underage" {
		t.Errorf("body = %+v", body)
	}
	if _, ok := body["details"]; ok {
		t.Error("details should be absent without violations")
	}
}
