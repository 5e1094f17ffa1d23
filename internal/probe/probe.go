// Package probe checks whether a forwarded endpoint answers and keeps watching
// it once a desktop is up.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"time"
)

// Prober performs a single reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTP probes a local port with a plain GET. Any response counts as
// reachable; the status code is not inspected.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates a prober for http://localhost:<port><path>. An empty path
// probes the root.
func NewHTTP(port int, path string, timeout time.Duration) *HTTP {
	if path == "" {
		path = "/"
	}
	return &HTTP{
		url: fmt.Sprintf("http://localhost:%d%s", port, path),
		client: &http.Client{
			Timeout: timeout,
			// A redirect is already an answer.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// URL returns the probed address.
func (h *HTTP) URL() string { return h.url }

func (h *HTTP) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Refused reports whether err is a connection-refused failure, the expected
// answer while a tunnel is still coming up.
func Refused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
