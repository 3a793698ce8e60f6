package connectsrv

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/handler"
	"github.com/wudi/grpcmock/internal/metrics"
	"github.com/wudi/grpcmock/internal/rules"
	"github.com/wudi/grpcmock/internal/schema"
)

func testSnapshot(t *testing.T) *handler.Snapshot {
	t.Helper()
	reg, report := schema.Load(context.Background(), "testdata/protos")
	if skipped := report.Skipped(); len(skipped) != 0 {
		t.Fatalf("proto load: %+v", skipped)
	}
	idx := rules.LoadAll("testdata/rules")
	if errs := idx.Errors(); len(errs) != 0 {
		t.Fatalf("rule load: %+v", errs)
	}
	return &handler.Snapshot{Registry: reg, Rules: idx}
}

// startServer binds an ephemeral port and returns the base URL.
func startServer(t *testing.T, tlsConf *tls.Config) string {
	t.Helper()
	snap := testSnapshot(t)
	m := metrics.NewCollector()
	h := handler.New(config.ValidationConfig{}, m)
	srv := NewServer(config.ConnectConfig{Enabled: true, Port: 0}, h,
		func() *handler.Snapshot { return snap }, m, tlsConf)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.GracefulStop(ctx)
	})

	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("Addr() = %q: %v", srv.Addr(), err)
	}
	scheme := "http"
	if tlsConf != nil {
		scheme = "https"
	}
	return scheme + "://127.0.0.1:" + port
}

// selfSigned builds a throwaway server certificate for loopback tests.
func selfSigned(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}}}
}

func postJSON(t *testing.T, client *http.Client, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func TestConnectUnaryPlaintext(t *testing.T) {
	base := startServer(t, nil)

	resp, body := postJSON(t, http.DefaultClient,
		base+"/helloworld.Greeter/SayHello", `{"name":"Tom","age":30}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["message"] != "Hi Tom" {
		t.Errorf("message = %v, want Hi Tom", out["message"])
	}
}

func TestConnectUnaryErrorProjection(t *testing.T) {
	base := startServer(t, nil)

	resp, body := postJSON(t, http.DefaultClient,
		base+"/helloworld.Greeter/SayHello", `{"name":"Tom","age":7}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["code"] != "permission_denied" || out["message"] != "Underage" {
		t.Errorf("error body = %v", out)
	}
	if got := resp.Header.Get("Trailer-x-reason"); got != "policy" {
		t.Errorf("Trailer-x-reason = %q, want policy", got)
	}
}

func TestConnectUnknownMethod(t *testing.T) {
	base := startServer(t, nil)

	resp, body := postJSON(t, http.DefaultClient,
		base+"/helloworld.Greeter/Missing", `{}`)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501, body %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["code"] != "unimplemented" {
		t.Errorf("code = %v, want unimplemented", out["code"])
	}
	if out["message"] != "unknown method helloworld.Greeter/Missing" {
		t.Errorf("message = %v", out["message"])
	}
}

func TestConnectUnaryTLS(t *testing.T) {
	base := startServer(t, selfSigned(t))

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	defer client.CloseIdleConnections()

	resp, body := postJSON(t, client,
		base+"/helloworld.Greeter/SayHello", `{"name":"Tom","age":30}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if resp.TLS == nil {
		t.Fatal("response did not arrive over TLS")
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["message"] != "Hi Tom" {
		t.Errorf("message = %v, want Hi Tom", out["message"])
	}
}
