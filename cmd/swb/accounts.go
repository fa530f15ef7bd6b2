package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/account"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/secrets"
	"golang.org/x/term"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage connected platform accounts",
	}

	cmd.AddCommand(newAccountsAddCmd())
	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsDisconnectCmd())
	return cmd
}

// accountService wires just enough of the engine for account management.
// No scheduler is attached: a running server picks up new accounts on its
// next schedule-repair pass.
func accountService(configPath string) (*account.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}

	box, err := secrets.NewBox(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	push := make(map[string]bool)
	for _, p := range cfg.Platforms {
		if p.Push {
			push[p.Name] = true
		}
	}

	return account.New(account.Opts{DB: gormDB, Box: box, Push: push})
}

func newAccountsAddCmd() *cobra.Command {
	var (
		configPath     string
		userID         string
		platformName   string
		platformUserID string
		token          string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Connect a platform account",
		Long: `Connects a platform account for a user. The bearer credential is read
from --token, or prompted for without echo when stdin is a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsAdd(cmd, configPath, userID, platformName, platformUserID, token)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Switchboard user ID (required)")
	cmd.Flags().StringVarP(&platformName, "platform", "p", "", "platform name (required)")
	cmd.Flags().StringVar(&platformUserID, "platform-user", "", "user's own ID on the platform (required)")
	cmd.Flags().StringVar(&token, "token", "", "bearer credential (prompted when omitted)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("platform-user")
	return cmd
}

func runAccountsAdd(cmd *cobra.Command, configPath, userID, platformName, platformUserID, token string) error {
	out := cmd.OutOrStdout()

	credential, err := readCredential(cmd, token)
	if err != nil {
		return err
	}

	svc, err := accountService(configPath)
	if err != nil {
		return err
	}

	acct, err := svc.Connect(cmd.Context(), userID, platformName, platformUserID, credential)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Connected %s account %s for user %s\n", acct.Platform, acct.ID, acct.UserID)
	return nil
}

// readCredential resolves the bearer credential: the --token flag wins,
// then a no-echo terminal prompt, then a line from stdin (for piping).
func readCredential(cmd *cobra.Command, token string) (string, error) {
	if token != "" {
		return token, nil
	}

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), "Credential: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read credential: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read credential: %w", err)
		}
		return "", fmt.Errorf("no credential provided (use --token or pipe it on stdin)")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func newAccountsListCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's connected accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsList(cmd, configPath, userID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Switchboard user ID (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runAccountsList(cmd *cobra.Command, configPath, userID string) error {
	out := cmd.OutOrStdout()

	svc, err := accountService(configPath)
	if err != nil {
		return err
	}

	accounts, err := svc.List(cmd.Context(), userID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Fprintf(out, "No accounts connected for user %s\n", userID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tPLATFORM USER\tACTIVE\tCONNECTED")
	for _, a := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			a.ID, a.Platform, a.PlatformUserID, a.IsActive, a.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func newAccountsDisconnectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "disconnect <account-id>",
		Short: "Disconnect an account",
		Long:  "Deactivates the account and stops its polling. History is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsDisconnect(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runAccountsDisconnect(cmd *cobra.Command, configPath, accountID string) error {
	svc, err := accountService(configPath)
	if err != nil {
		return err
	}

	if err := svc.Disconnect(cmd.Context(), accountID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Disconnected account %s\n", accountID)
	return nil
}
