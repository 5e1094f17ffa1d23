package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/ondemand/internal/config"
	"github.com/benaskins/ondemand/internal/lifecycle"
	"github.com/benaskins/ondemand/internal/present"
)

// teardownTimeout bounds the delete call made on exit.
const teardownTimeout = 5 * time.Minute

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a desktop and keep it until interrupted",
	Long: "Create an instance, wait for it to boot, open the tunnel and wait for the desktop. " +
		"The instance is deleted when you quit unless --keep is given.",
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

func init() {
	launchCmd.Flags().Bool("keep", false, "leave the instance running on exit")
	launchCmd.Flags().Bool("no-open", false, "do not open the desktop in a browser")
	launchCmd.Flags().Bool("plain", false, "log progress instead of the interactive view")
	rootCmd.AddCommand(launchCmd)
}

// finisher is implemented by both presenters.
type finisher interface {
	lifecycle.Notifier
	Finish(*lifecycle.Result, error)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	keep, _ := cmd.Flags().GetBool("keep")
	noOpen, _ := cmd.Flags().GetBool("no-open")
	plain, _ := cmd.Flags().GetBool("plain")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	journal, err := openJournal(cfg.AuditLog)
	if err != nil {
		return err
	}
	opts := []lifecycle.Option{}
	if journal != nil {
		defer journal.Close()
		opts = append(opts, lifecycle.WithJournal(journal))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	launchCtx, cancelLaunch := context.WithCancel(ctx)
	defer cancelLaunch()

	open := present.OpenURL
	interactive := !plain && term.IsTerminal(int(os.Stdout.Fd()))

	var presenter finisher
	var tui *present.TUI
	if interactive {
		// Log lines would corrupt the terminal UI.
		logFile, err := redirectLogs(filepath.Join(config.Dir(), "launch.log"))
		if err != nil {
			return err
		}
		defer logFile.Close()

		tui = present.NewTUI(cancelLaunch, open)
		presenter = tui
		go func() {
			<-ctx.Done()
			tui.Quit()
		}()
	} else {
		presenter = present.NewPlain(os.Stdout)
	}

	ctl := lifecycle.NewController(cfg.Lifecycle(), newClient(cfg), append(opts, lifecycle.WithNotifier(presenter))...)

	type outcome struct {
		res *lifecycle.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := ctl.Launch(launchCtx)
		if err == nil && !noOpen {
			if oerr := open(res.URL); oerr != nil {
				slog.Warn("could not open browser", "error", oerr)
			}
		}
		presenter.Finish(res, err)
		done <- outcome{res, err}
	}()

	var out outcome
	if interactive {
		if err := tui.Run(); err != nil {
			cancelLaunch()
			out = <-done
			return errors.Join(fmt.Errorf("running terminal UI: %w", err), cleanup(ctl, keep))
		}
		// The UI only exits on its own after a failure or when the user
		// quits, which cancels a launch still in flight.
		out = <-done
	} else {
		out = <-done
		if out.err == nil {
			<-ctx.Done()
		}
	}

	if out.err != nil {
		if ctl.State() == lifecycle.StateFailed {
			if lines := ctl.TunnelLogs(20); len(lines) > 0 {
				slog.Info("tunnel output", "lines", lines)
			}
		}
		return errors.Join(out.err, cleanup(ctl, keep))
	}
	return cleanup(ctl, keep)
}

func redirectLogs(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))
	return f, nil
}

// cleanup tears the launch down unless the user asked to keep it.
func cleanup(ctl *lifecycle.Controller, keep bool) error {
	if ctl.State() == lifecycle.StateIdle {
		return nil
	}
	if keep {
		s := ctl.Status()
		if s.Instance != nil {
			slog.Warn("leaving instance running", "instance", s.Instance.ID,
				"delete_with", "gcloud compute instances delete "+s.Instance.ID)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	slog.Info("tearing down")
	return ctl.Teardown(ctx)
}
