package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	logx "tickerd/pkg/logx"
)

func waitForAddr(t *testing.T, srv *DebugServer) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != "" {
			return addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("debug server did not bind in time")
	return ""
}

func httpGet(t *testing.T, url string, header map[string]string) (*http.Response, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, string(body)
}

func TestDebugServerServesMetricsAndHealth(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.ObserveFetch("1d", "success", 120*time.Millisecond)

	srv := NewDebugServer(DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}, m, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Start(ctx)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	addr := waitForAddr(t, srv)

	resp, body := httpGet(t, "http://"+addr+"/healthz", nil)
	if resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q, want 200 ok", resp.StatusCode, body)
	}

	resp, body = httpGet(t, "http://"+addr+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "tickerd_fetch_attempts_total") {
		t.Fatalf("metrics output missing fetch counter:\n%s", body)
	}

	resp, _ = httpGet(t, "http://"+addr+"/debug/pprof/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index status = %d, want 200", resp.StatusCode)
	}
}

func TestDebugServerTokenAuth(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	srv := NewDebugServer(DebugConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "sesame"}, m, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Start(ctx)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	addr := waitForAddr(t, srv)

	// Health stays open; everything else requires the token.
	if resp, _ := httpGet(t, "http://"+addr+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	if resp, _ := httpGet(t, "http://"+addr+"/metrics", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated metrics status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := httpGet(t, "http://"+addr+"/metrics?token=wrong", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := httpGet(t, fmt.Sprintf("http://%s/metrics?token=sesame", addr), nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", resp.StatusCode)
	}
	if resp, _ := httpGet(t, "http://"+addr+"/metrics", map[string]string{"Authorization": "Bearer sesame"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer token status = %d, want 200", resp.StatusCode)
	}
}

func TestDebugServerReconfigureDisableStops(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	srv := NewDebugServer(DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}, m, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Start(ctx)
	waitForAddr(t, srv)

	srv.Reconfigure(ctx, DebugConfig{Enabled: false})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Addr() == "" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected debug server to stop, still at %s", srv.Addr())
}

func TestDebugServerRefusesInsecureBind(t *testing.T) {
	if !isLoopbackAddr("127.0.0.1:6060") {
		t.Fatal("127.0.0.1 should be loopback")
	}
	if !isLoopbackAddr("localhost:6060") {
		t.Fatal("localhost should be loopback")
	}
	if isLoopbackAddr("0.0.0.0:6060") {
		t.Fatal("0.0.0.0 must not count as loopback")
	}
	if isLoopbackAddr(":6060") {
		t.Fatal("empty host must not count as loopback")
	}
}
