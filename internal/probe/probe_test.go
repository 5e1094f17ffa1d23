package probe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	neturl "net/url"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.Default().With("test", true)
}

// serve starts an HTTP server on a random local port and returns the port.
func serve(t *testing.T, h http.HandlerFunc) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port that was just released, so nothing listens on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func FuzzHTTPPath(f *testing.F) {
	f.Add("/")
	f.Add("/vnc.html")
	f.Add("/a/b?autoconnect=true")
	f.Add("/@redirect")
	f.Fuzz(func(t *testing.T, path string) {
		if len(path) == 0 || path[0] != '/' {
			return
		}
		parsed, err := neturl.Parse(NewHTTP(6080, path, time.Second).URL())
		if err != nil {
			return
		}
		if parsed.Hostname() != "localhost" {
			t.Errorf("probe host changed to %q for path %q", parsed.Hostname(), path)
		}
	})
}

func TestHTTPAnyStatusIsReachable(t *testing.T) {
	for _, code := range []int{200, 404, 500, 502} {
		port := serve(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})
		if err := NewHTTP(port, "", time.Second).Probe(context.Background()); err != nil {
			t.Errorf("status %d: expected reachable, got %v", code, err)
		}
	}
}

func TestHTTPRedirectIsReachable(t *testing.T) {
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://203.0.113.1/elsewhere", http.StatusFound)
	})
	if err := NewHTTP(port, "/", time.Second).Probe(context.Background()); err != nil {
		t.Errorf("expected redirect to count as reachable, got %v", err)
	}
}

func TestHTTPProbesRootPath(t *testing.T) {
	var path atomic.Value
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
	})
	if err := NewHTTP(port, "", time.Second).Probe(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := path.Load(); got != "/" {
		t.Errorf("expected GET /, got %v", got)
	}
}

func TestHTTPConnectionRefused(t *testing.T) {
	err := NewHTTP(closedPort(t), "", time.Second).Probe(context.Background())
	if err == nil {
		t.Fatal("expected error for closed port")
	}
	if !Refused(err) {
		t.Errorf("expected connection refused, got %v", err)
	}
}

func TestRefusedOtherErrors(t *testing.T) {
	if Refused(errors.New("boom")) {
		t.Error("plain error must not be classified as refused")
	}
	if Refused(nil) {
		t.Error("nil must not be classified as refused")
	}
}

func TestMonitorHealthy(t *testing.T) {
	port := serve(t, func(w http.ResponseWriter, r *http.Request) {})

	m := NewMonitor(MonitorConfig{
		Interval: 50 * time.Millisecond,
		Timeout:  time.Second,
	}, NewHTTP(port, "", time.Second), testLogger(), nil)

	m.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	m.Stop()

	if m.CurrentStatus() != StatusHealthy {
		t.Errorf("expected healthy, got %v", m.CurrentStatus())
	}
	if m.LastError() != "" {
		t.Errorf("expected no error, got %q", m.LastError())
	}
}

func TestMonitorUnhealthyFiresOnce(t *testing.T) {
	var fired atomic.Int32
	failing := ProberFunc(func(context.Context) error { return errors.New("connection reset") })

	m := NewMonitor(MonitorConfig{
		Interval:           20 * time.Millisecond,
		Timeout:            time.Second,
		UnhealthyThreshold: 2,
	}, failing, testLogger(), func() { fired.Add(1) })

	m.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	m.Stop()

	if m.CurrentStatus() != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %v", m.CurrentStatus())
	}
	if fired.Load() != 1 {
		t.Errorf("expected callback once on transition, got %d", fired.Load())
	}
	if m.LastError() != "connection reset" {
		t.Errorf("unexpected last error %q", m.LastError())
	}
}

func TestMonitorRecovers(t *testing.T) {
	var calls atomic.Int32
	flaky := ProberFunc(func(context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("down")
		}
		return nil
	})

	m := NewMonitor(MonitorConfig{
		Interval:           20 * time.Millisecond,
		UnhealthyThreshold: 2,
	}, flaky, testLogger(), nil)

	m.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	m.Stop()

	if m.CurrentStatus() != StatusHealthy {
		t.Errorf("expected recovery to healthy, got %v", m.CurrentStatus())
	}
}

func TestMonitorStopWithoutStart(t *testing.T) {
	m := NewMonitor(MonitorConfig{}, ProberFunc(func(context.Context) error { return nil }), testLogger(), nil)
	m.Stop()
	if m.CurrentStatus() != StatusUnknown {
		t.Errorf("expected unknown, got %v", m.CurrentStatus())
	}
}
