package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/ondemand/internal/driver"
)

type fakeDriver struct {
	mu      sync.Mutex
	state   driver.State
	stops   int
	stopErr error // when set, Stop fails and the process keeps running
}

func newFakeDriver() *fakeDriver { return &fakeDriver{state: driver.StateRunning} }

func (d *fakeDriver) Start(context.Context) error { return nil }

func (d *fakeDriver) Stop(context.Context, time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	if d.stopErr != nil {
		return d.stopErr
	}
	d.state = driver.StateStopped
	return nil
}

func (d *fakeDriver) Info() driver.ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return driver.ProcessInfo{PID: 4242, State: d.state}
}

func (d *fakeDriver) Wait() (int, error)      { return 0, nil }
func (d *fakeDriver) LogLines(int) []string { return []string{"Warning: Permanently added"} }

func (d *fakeDriver) exit() {
	d.mu.Lock()
	d.state = driver.StateFailed
	d.mu.Unlock()
}

type fakeOpener struct {
	drivers []*fakeDriver
	err     error
	calls   int
}

func (o *fakeOpener) OpenTunnel(_ context.Context, _ string, _ int) (driver.Driver, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	d := newFakeDriver()
	o.drivers = append(o.drivers, d)
	return d, nil
}

func TestOpenReturnsLiveHandle(t *testing.T) {
	o := &fakeOpener{}
	m := NewManager(o, time.Second)

	h, err := m.Open(context.Background(), "sdp-slicer-on-demand-42", 6122)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.InstanceID != "sdp-slicer-on-demand-42" || h.LocalPort != 6122 {
		t.Errorf("unexpected handle: %+v", h)
	}
	if !h.Alive() {
		t.Error("expected handle to be alive")
	}
	if m.Active() != h {
		t.Error("expected handle to be the active tunnel")
	}
	if len(h.Logs(5)) != 1 {
		t.Errorf("expected subprocess logs, got %v", h.Logs(5))
	}
}

func TestCloseTwiceIsNoop(t *testing.T) {
	o := &fakeOpener{}
	m := NewManager(o, time.Second)

	h, err := m.Open(context.Background(), "x", 6081)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Close(h); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := m.Close(h); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("direct close after manager close should be a no-op, got %v", err)
	}
	if o.drivers[0].stops != 1 {
		t.Errorf("expected exactly one stop, got %d", o.drivers[0].stops)
	}
	if h.Alive() {
		t.Error("closed handle must not report alive")
	}
	if m.Active() != nil {
		t.Error("expected no active tunnel after close")
	}
}

func TestCloseNil(t *testing.T) {
	m := NewManager(&fakeOpener{}, 0)
	if err := m.Close(nil); err != nil {
		t.Errorf("closing nil handle should be a no-op, got %v", err)
	}
	var h *Handle
	if h.Alive() {
		t.Error("nil handle must not be alive")
	}
}

func TestOpenRefusesSecondLiveTunnel(t *testing.T) {
	o := &fakeOpener{}
	m := NewManager(o, time.Second)

	if _, err := m.Open(context.Background(), "a", 6081); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := m.Open(context.Background(), "b", 6082)
	if !errors.Is(err, ErrActive) {
		t.Fatalf("expected ErrActive, got %v", err)
	}
	if o.calls != 1 {
		t.Errorf("expected no second subprocess, got %d opens", o.calls)
	}
}

func TestOpenAfterExitedTunnel(t *testing.T) {
	o := &fakeOpener{}
	m := NewManager(o, time.Second)

	if _, err := m.Open(context.Background(), "a", 6081); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.drivers[0].exit()

	if _, err := m.Open(context.Background(), "b", 6082); err != nil {
		t.Errorf("expected open to succeed once previous tunnel died, got %v", err)
	}
}

func TestOpenPropagatesStartFailure(t *testing.T) {
	startErr := errors.New("tunnel failed to start")
	m := NewManager(&fakeOpener{err: startErr}, time.Second)

	h, err := m.Open(context.Background(), "a", 6081)
	if !errors.Is(err, startErr) {
		t.Fatalf("expected start error, got %v", err)
	}
	if h != nil || m.Active() != nil {
		t.Error("expected no handle after failed start")
	}
}

func TestCloseRealSubprocess(t *testing.T) {
	drv := driver.NewNative(driver.NativeConfig{Command: "sleep", Args: []string{"60"}})
	if err := drv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := &Handle{InstanceID: "x", LocalPort: 1, drv: drv, stopTimeout: time.Second, closed: make(chan struct{})}

	if !h.Alive() {
		t.Fatal("expected live subprocess")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := drv.Info().State; got != driver.StateStopped {
		t.Errorf("expected stopped, got %v", got)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestCloseFailureKeepsTunnelActive(t *testing.T) {
	o := &fakeOpener{}
	m := NewManager(o, time.Second)

	h, err := m.Open(context.Background(), "sdp-slicer-on-demand-42", 6122)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.drivers[0].mu.Lock()
	o.drivers[0].stopErr = errors.New("process not reaped after SIGKILL")
	o.drivers[0].mu.Unlock()

	if err := m.Close(h); err == nil {
		t.Fatal("expected close error")
	}
	if m.Active() != h {
		t.Error("a tunnel that survived its stop must stay active")
	}
	if _, err := m.Open(context.Background(), "sdp-slicer-on-demand-43", 6123); !errors.Is(err, ErrActive) {
		t.Fatalf("expected ErrActive while the old forwarder lives, got %v", err)
	}
	if o.calls != 1 {
		t.Errorf("opener called %d times, want 1", o.calls)
	}

	o.drivers[0].exit()
	if _, err := m.Open(context.Background(), "sdp-slicer-on-demand-43", 6123); err != nil {
		t.Errorf("open after the old forwarder exited: %v", err)
	}
}
