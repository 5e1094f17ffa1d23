// Package present renders launch progress in the terminal.
package present

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/benaskins/ondemand/internal/lifecycle"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	urlStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Underline(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

var stageLabels = map[lifecycle.Stage]string{
	lifecycle.StageCreating:           "Creating instance",
	lifecycle.StageWaitingForBoot:     "Waiting for boot",
	lifecycle.StageTunnelEstablishing: "Opening tunnel",
	lifecycle.StageRunning:            "Desktop running",
}

type stageMsg lifecycle.StageEvent

type doneMsg struct {
	res *lifecycle.Result
	err error
}

type stageLine struct {
	stage   lifecycle.Stage
	started time.Time
	ended   time.Time
}

// Model is the bubbletea model for a single launch.
type Model struct {
	spinner  spinner.Model
	lines    []stageLine
	instance string
	res      *lifecycle.Result
	err      error
	done     bool
	cancel   context.CancelFunc
	open     func(string) error
	openErr  error
	now      func() time.Time
}

// NewModel creates a model. cancel aborts the launch when the user quits
// early; open is invoked for the "o" key once the desktop is running.
func NewModel(cancel context.CancelFunc, open func(string) error) Model {
	return Model{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		cancel:  cancel,
		open:    open,
		now:     time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.done && m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "o":
			if m.res != nil && m.open != nil {
				m.openErr = m.open(m.res.URL)
			}
		}
		return m, nil

	case stageMsg:
		now := m.now()
		if n := len(m.lines); n > 0 && m.lines[n-1].ended.IsZero() {
			m.lines[n-1].ended = now
		}
		line := stageLine{stage: msg.Stage, started: now}
		if msg.Stage == lifecycle.StageRunning {
			line.ended = now
		}
		m.lines = append(m.lines, line)
		m.instance = msg.InstanceID
		return m, nil

	case doneMsg:
		m.done = true
		m.res = msg.res
		m.err = msg.err
		if msg.err != nil {
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	title := "ondemand"
	if m.instance != "" {
		title += " " + mutedStyle.Render(m.instance)
	}
	b.WriteString(titleStyle.Render(title) + "\n\n")

	for i, l := range m.lines {
		label := stageLabels[l.stage]
		active := i == len(m.lines)-1 && l.ended.IsZero()
		switch {
		case active && m.err != nil:
			fmt.Fprintf(&b, " %s %s\n", failStyle.Render("✗"), label)
		case active:
			fmt.Fprintf(&b, " %s %s %s\n", m.spinner.View(), label, mutedStyle.Render(elapsed(m.now().Sub(l.started))))
		default:
			fmt.Fprintf(&b, " %s %s %s\n", doneStyle.Render("✓"), label, mutedStyle.Render(elapsed(l.ended.Sub(l.started))))
		}
	}

	switch {
	case m.err != nil:
		b.WriteString("\n" + failStyle.Render("Launch failed: "+m.err.Error()) + "\n")
	case m.res != nil:
		b.WriteString("\n " + urlStyle.Render(m.res.URL) + "\n")
		for _, p := range m.res.SoftTimeouts {
			b.WriteString(" " + warnStyle.Render(fmt.Sprintf("%s wait ran out of attempts, desktop may still be starting", p)) + "\n")
		}
		t := m.res.Timings
		b.WriteString(mutedStyle.Render(fmt.Sprintf(" create %s · boot %s · tunnel %s · reach %s · total %s",
			elapsed(t.Create), elapsed(t.Boot), elapsed(t.Tunnel), elapsed(t.Reach), elapsed(t.Total))) + "\n")
		if m.openErr != nil {
			b.WriteString(" " + warnStyle.Render("could not open browser: "+m.openErr.Error()) + "\n")
		}
		b.WriteString("\n" + mutedStyle.Render(" o open in browser · q stop desktop") + "\n")
	default:
		b.WriteString("\n" + mutedStyle.Render(" q cancel") + "\n")
	}
	return b.String()
}

// Result returns the launch outcome once it is known.
func (m Model) Result() (*lifecycle.Result, error) {
	return m.res, m.err
}

func elapsed(d time.Duration) string {
	return d.Round(time.Second).String()
}

// TUI drives a Model from the launch goroutine.
type TUI struct {
	program *tea.Program
}

// NewTUI creates an interactive presenter.
func NewTUI(cancel context.CancelFunc, open func(string) error, opts ...tea.ProgramOption) *TUI {
	return &TUI{program: tea.NewProgram(NewModel(cancel, open), opts...)}
}

// OnStage implements lifecycle.Notifier by forwarding to the UI goroutine.
func (t *TUI) OnStage(e lifecycle.StageEvent) {
	t.program.Send(stageMsg(e))
}

// Finish reports the launch outcome.
func (t *TUI) Finish(res *lifecycle.Result, err error) {
	t.program.Send(doneMsg{res: res, err: err})
}

// Quit stops the UI.
func (t *TUI) Quit() {
	t.program.Quit()
}

// Run blocks until the user quits, or until a failed launch has been shown.
func (t *TUI) Run() error {
	_, err := t.program.Run()
	return err
}
