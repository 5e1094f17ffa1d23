package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/ondemand/internal/gcloud"
)

const listTimeout = 2 * time.Minute

// lister is one of the read-only gcloud listings.
type lister func(ctx context.Context, c *gcloud.Client, args []string) ([]string, error)

func listCommand(use, short string, args cobra.PositionalArgs, list lister) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), listTimeout)
			defer cancel()

			names, err := list(ctx, newClient(cfg), argv)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				if names == nil {
					names = []string{}
				}
				return printJSON(names)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an access token for the active gcloud account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), listTimeout)
		defer cancel()

		tok, err := newClient(cfg).AccessToken(ctx)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCommand("projects", "List projects visible to the active account", cobra.NoArgs,
		func(ctx context.Context, c *gcloud.Client, _ []string) ([]string, error) { return c.Projects(ctx) }))
	rootCmd.AddCommand(listCommand("datasets", "List healthcare datasets in the project", cobra.NoArgs,
		func(ctx context.Context, c *gcloud.Client, _ []string) ([]string, error) { return c.Datasets(ctx) }))
	rootCmd.AddCommand(listCommand("dicom-stores <dataset>", "List DICOM stores in a dataset", cobra.ExactArgs(1),
		func(ctx context.Context, c *gcloud.Client, args []string) ([]string, error) {
			return c.DicomStores(ctx, args[0])
		}))
	rootCmd.AddCommand(listCommand("instances", "List compute instances in the project", cobra.NoArgs,
		func(ctx context.Context, c *gcloud.Client, _ []string) ([]string, error) { return c.Instances(ctx) }))
	rootCmd.AddCommand(tokenCmd)
}
