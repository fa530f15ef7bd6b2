package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
)

func newSyncCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Poll a user's accounts immediately",
		Long:  "Fetches new messages for all of the user's active accounts and prints a per-account summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, configPath, userID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Switchboard user ID (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runSync(cmd *cobra.Command, configPath, userID string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := buildEngine(cfg, out)
	if err != nil {
		return err
	}
	defer eng.sched.Close()

	results, err := eng.sched.SyncNow(cmd.Context(), userID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintf(out, "No active accounts for user %s\n", userID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tPLATFORM\tSTORED\tSTATUS")
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.AccountID, r.Platform, r.Stored, status)
	}
	return w.Flush()
}
