package present

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/benaskins/ondemand/internal/lifecycle"
)

// Plain reports progress as log lines and prints the URL to out. It is used
// when stdout is not a terminal.
type Plain struct {
	out    io.Writer
	logger *slog.Logger
}

// NewPlain creates a line-oriented presenter.
func NewPlain(out io.Writer) *Plain {
	return &Plain{out: out, logger: slog.With("component", "launch")}
}

// OnStage implements lifecycle.Notifier.
func (p *Plain) OnStage(e lifecycle.StageEvent) {
	p.logger.Info(stageLabels[e.Stage], "instance", e.InstanceID, "local_port", e.LocalPort)
}

// Finish prints the outcome. Only the URL goes to out so scripts can read it.
func (p *Plain) Finish(res *lifecycle.Result, err error) {
	if err != nil {
		p.logger.Error("launch failed", "error", err)
		return
	}
	for _, phase := range res.SoftTimeouts {
		p.logger.Warn("wait ran out of attempts, desktop may still be starting", "phase", phase)
	}
	fmt.Fprintln(p.out, res.URL)
}
