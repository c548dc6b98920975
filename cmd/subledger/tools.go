package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcourtman/subledger/internal/billing/plan"
	"github.com/rcourtman/subledger/internal/billing/subscription"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <user-id>",
	Short: "Rebuild a user's subscription state from the event log",
	Long:  `Replay reads every ledger entry recorded for the user and prints the resulting projection as JSON. Nothing is written.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := strings.TrimSpace(args[0])
		if userID == "" {
			return fmt.Errorf("user id must not be empty")
		}

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		ctx := context.Background()
		s, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer s.Close()

		entries, err := s.Load(ctx, userID)
		if err != nil {
			return fmt.Errorf("load ledger for %s: %w", userID, err)
		}
		proj, err := subscription.Replay(userID, entries)
		if err != nil {
			return fmt.Errorf("replay ledger for %s: %w", userID, err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(proj)
	},
}

var upgradeActive bool

var validateUpgradeCmd = &cobra.Command{
	Use:   "validate-upgrade <current> <target>",
	Short: "Check whether a plan change is allowed",
	Long:  `Validate-upgrade reports whether moving from the current tier to the target tier is a legal purchase. Pass --active when the current subscription has not yet expired.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := plan.ParseTier(args[0])
		if err != nil {
			return err
		}
		target, err := plan.ParseTier(args[1])
		if err != nil {
			return err
		}
		if err := subscription.ValidateUpgradePath(current, upgradeActive, target); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "allowed: %s -> %s (active=%t)\n", current, target, upgradeActive)
		return nil
	},
}

func init() {
	validateUpgradeCmd.Flags().BoolVar(&upgradeActive, "active", false, "current subscription is still active")
}
