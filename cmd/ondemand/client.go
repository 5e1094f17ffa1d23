package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/benaskins/ondemand/internal/api"
	"github.com/benaskins/ondemand/internal/lifecycle"
)

// apiAddr resolves where `ondemand serve` listens.
func apiAddr() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.APIAddr, nil
}

func dialer(addr string) func(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	if isSocketPath(addr) {
		return func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", addr)
		}
	}
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

func apiClient(timeout time.Duration) (*http.Client, error) {
	addr, err := apiAddr()
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{DialContext: dialer(addr)},
	}, nil
}

func apiGet(path string, v any) error {
	client, err := apiClient(30 * time.Second)
	if err != nil {
		return err
	}
	resp, err := client.Get("http://ondemand" + path)
	if err != nil {
		return fmt.Errorf("connecting to server: %w (is ondemand serve running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path string, timeout time.Duration) (map[string]any, error) {
	client, err := apiClient(timeout)
	if err != nil {
		return nil, err
	}
	resp, err := client.Post("http://ondemand"+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w (is ondemand serve running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the served controller's state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var s lifecycle.Snapshot
		if err := apiGet("/v1/status", &s); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(s)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATE\tINSTANCE\tSTATUS\tPORT\tTUNNEL\tHEALTH\tSINCE")
		instance, status, port := "-", "-", "-"
		if s.Instance != nil {
			instance = s.Instance.ID
			status = string(s.Instance.Status)
			port = strconv.Itoa(s.Instance.LocalPort)
		}
		tunnel := "-"
		if s.TunnelAlive {
			tunnel = fmt.Sprintf("pid %d", s.TunnelPID)
		}
		health := string(s.Health)
		if health == "" {
			health = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.State, instance, status, port, tunnel, health, time.Since(s.Since).Round(time.Second))
		w.Flush()

		if s.URL != "" {
			fmt.Printf("\n%s\n", s.URL)
		}
		if s.LastError != "" {
			fmt.Printf("\nlast error: %s\n", s.LastError)
		}
		return nil
	},
}

// up command
var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Ask the server to launch a desktop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		if _, err := apiPost("/v1/launch", 30*time.Second); err != nil {
			return err
		}
		if !wait {
			fmt.Println("launching")
			return nil
		}

		for {
			var out api.LaunchOutcome
			if err := apiGet("/v1/launch", &out); err != nil {
				return err
			}
			if out.Done {
				if out.Error != "" {
					return errors.New(out.Error)
				}
				if jsonOutput(cmd) {
					return printJSON(out.Result)
				}
				fmt.Println(out.Result.URL)
				return nil
			}
			time.Sleep(time.Second)
		}
	},
}

// down command
var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Close the tunnel and delete the instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/v1/teardown", 6*time.Minute); err != nil {
			return err
		}
		fmt.Println("idle")
		return nil
	},
}

// logs command
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent output of the tunnel subprocess",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var resp struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet("/v1/logs?lines="+strconv.Itoa(n), &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream stage events from the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := apiAddr()
		if err != nil {
			return err
		}
		d := websocket.Dialer{NetDialContext: dialer(addr), HandshakeTimeout: 10 * time.Second}
		conn, _, err := d.Dial("ws://ondemand/v1/events", nil)
		if err != nil {
			return fmt.Errorf("connecting to event stream: %w (is ondemand serve running?)", err)
		}
		defer conn.Close()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		go func() {
			<-sigCh
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("reading event stream: %w", err)
			}
			if jsonOutput(cmd) {
				fmt.Println(string(data))
				continue
			}
			var e lifecycle.StageEvent
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			line := fmt.Sprintf("%s  %-20s %s", e.Time.Format(time.TimeOnly), e.Stage, e.InstanceID)
			if e.URL != "" {
				line += "  " + e.URL
			}
			fmt.Println(line)
		}
	},
}

func init() {
	upCmd.Flags().Bool("wait", false, "block until the desktop is running and print its URL")
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(watchCmd)
}
