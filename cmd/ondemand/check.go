package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/benaskins/ondemand/internal/config"
)

type checkResult struct {
	Check  string `json:"check"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and the gcloud installation",
	Long:  "Parse and validate the config file and make sure the gcloud binary it names can be found.",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	var results []checkResult

	cfg, err := config.Load(configPath)
	if err != nil {
		results = append(results, checkResult{Check: "config", Error: err.Error()})
	} else {
		results = append(results, checkResult{Check: "config", OK: true,
			Detail: fmt.Sprintf("%s (project %s, %s)", configPath, cfg.Project, cfg.MachineType)})

		if path, err := exec.LookPath(cfg.GcloudBinary); err != nil {
			results = append(results, checkResult{Check: "gcloud", Error: err.Error()})
		} else {
			results = append(results, checkResult{Check: "gcloud", OK: true, Detail: path})
		}
	}

	if jsonOutput(cmd) {
		return printJSON(results)
	}

	var failed int
	for _, r := range results {
		if r.OK {
			fmt.Printf("OK    %s %s\n", r.Check, r.Detail)
		} else {
			failed++
			fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", r.Check, r.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
