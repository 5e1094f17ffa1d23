package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/ondemand/internal/audit"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the launch journal",
	Long: "Print the launch journal. With --outstanding, list only instances that were " +
		"created and never torn down, so they can be deleted by hand.",
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().Bool("outstanding", false, "only list instances that were never torn down")
	historyCmd.Flags().IntP("lines", "n", 0, "show only the last n entries")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.AuditLog == "" {
		return fmt.Errorf("audit_log is disabled in %s", configPath)
	}
	entries, err := audit.ReadAll(cfg.AuditLog)
	if err != nil {
		return err
	}

	if outstanding, _ := cmd.Flags().GetBool("outstanding"); outstanding {
		ids := audit.Outstanding(entries)
		if jsonOutput(cmd) {
			if ids == nil {
				ids = []string{}
			}
			return printJSON(ids)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	if n, _ := cmd.Flags().GetInt("lines"); n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	if jsonOutput(cmd) {
		if entries == nil {
			entries = []audit.Entry{}
		}
		return printJSON(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tINSTANCE\tDETAIL")
	for _, e := range entries {
		detail := e.Stage
		switch {
		case e.Error != "":
			detail = e.Error
		case e.URL != "":
			detail = e.URL
		}
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Action, e.Instance, detail)
	}
	return w.Flush()
}
