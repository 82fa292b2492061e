package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/ipquota/pkg/cli"
	"mercator-hq/ipquota/pkg/clientip"
	"mercator-hq/ipquota/pkg/limits"
	"mercator-hq/ipquota/pkg/limits/storage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect and adjust per-IP usage",
	Long: `Inspect and adjust usage records through the same cache and durable store
the server uses.

Addresses are normalized first, so "::ffff:203.0.113.5" and "203.0.113.5"
refer to the same record.

Examples:
  # Show remaining uses
  ipquota usage check 203.0.113.5

  # Consume or return a use by hand
  ipquota usage increment 203.0.113.5
  ipquota usage rollback 203.0.113.5

  # Clear a client's record
  ipquota usage reset 203.0.113.5

  # List durable records as CSV
  ipquota usage list -o csv`,
}

var usageCheckCmd = &cobra.Command{
	Use:   "check <ip>",
	Short: "Show a client's quota without consuming a use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ip, err := normalizeArg(a, args[0])
			if err != nil {
				return err
			}
			res := a.usage.CheckQuota(cmd.Context(), ip)

			view := usageView{
				ClientIP:       ip,
				Operation:      "check",
				Success:        res.CanUse,
				UsageCount:     res.UsageCount,
				RemainingCount: res.RemainingCount,
				Limit:          a.usage.Config().MaxUsage,
				ResetTime:      res.ResetTime,
				Degraded:       res.Degraded,
				Error:          res.Error,
			}
			if err := printResult(cmd, view); err != nil {
				return err
			}
			return usageErr(res.Error, limits.CodeDatabaseError)
		})
	},
}

var usageIncrementCmd = &cobra.Command{
	Use:   "increment <ip>",
	Short: "Consume one use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ip, err := normalizeArg(a, args[0])
			if err != nil {
				return err
			}
			res := a.usage.IncrementUsage(cmd.Context(), ip)

			view := usageView{
				ClientIP:       ip,
				Operation:      "increment",
				Success:        res.Success,
				UsageCount:     res.UsageCount,
				RemainingCount: res.RemainingCount,
				Limit:          a.usage.Config().MaxUsage,
				ResetTime:      res.ResetTime,
				Degraded:       res.Degraded,
				Error:          res.Error,
			}
			if err := printResult(cmd, view); err != nil {
				return err
			}
			return usageErr(res.Error, limits.CodeUsageLimitExceeded, limits.CodeDatabaseError)
		})
	},
}

var usageRollbackCmd = &cobra.Command{
	Use:   "rollback <ip>",
	Short: "Return one use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ip, err := normalizeArg(a, args[0])
			if err != nil {
				return err
			}
			res := a.usage.RollbackUsage(cmd.Context(), ip)

			view := usageView{
				ClientIP:       ip,
				Operation:      "rollback",
				Success:        res.Success,
				UsageCount:     res.UsageCount,
				RemainingCount: res.RemainingCount,
				Limit:          a.usage.Config().MaxUsage,
				Degraded:       res.Degraded,
				Error:          res.Error,
			}
			if err := printResult(cmd, view); err != nil {
				return err
			}
			return usageErr(res.Error, limits.CodeDatabaseError)
		})
	},
}

var usageResetCmd = &cobra.Command{
	Use:   "reset <ip>",
	Short: "Clear a client's usage record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ip, err := normalizeArg(a, args[0])
			if err != nil {
				return err
			}
			if err := a.usage.ResetUsage(cmd.Context(), ip); err != nil {
				return cli.NewCommandError("usage reset", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Usage reset for %s\n", ip)
			return nil
		})
	},
}

var usageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records in the durable store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if a.store == nil {
				return cli.NewConfigError("storage.backend", "no durable store configured")
			}
			records, err := a.store.List(cmd.Context())
			if err != nil {
				return cli.NewCommandError("usage list", err)
			}
			return printResult(cmd, recordTable(records))
		})
	},
}

var usagePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete durable records whose window has ended",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if a.store == nil {
				return cli.NewConfigError("storage.backend", "no durable store configured")
			}
			pruner := storage.NewPruner(a.store, storage.PrunerConfig{Grace: a.cfg.Storage.PruneGrace})
			deleted, err := pruner.Prune(cmd.Context())
			if err != nil {
				return cli.NewCommandError("usage prune", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Pruned %d records\n", deleted)
			return nil
		})
	},
}

func init() {
	usageCmd.AddCommand(usageCheckCmd, usageIncrementCmd, usageRollbackCmd, usageResetCmd, usageListCmd, usagePruneCmd)
	rootCmd.AddCommand(usageCmd)
}

// withApp loads configuration, builds the usage stack, runs fn and closes
// the stack. Logs go to stderr so stdout carries only the result.
func withApp(cmd *cobra.Command, fn func(*app) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	a, err := newApp(cfg, logger, Version)
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}

	runErr := fn(a)
	if err := a.Close(); err != nil {
		logger.Warn("failed to close usage stack", "error", err)
	}
	return runErr
}

// normalizeArg canonicalizes an address typed on the command line.
func normalizeArg(a *app, raw string) (string, error) {
	info := clientip.Normalize(raw, a.resolver.Options())
	if info.Family == clientip.FamilyUnknown {
		return "", fmt.Errorf("%q is not an IP address", raw)
	}
	return info.Normalized, nil
}

// usageErr returns uerr when its code is one the command reports as failure.
func usageErr(uerr *limits.UsageError, codes ...limits.ErrorCode) error {
	if uerr == nil {
		return nil
	}
	for _, c := range codes {
		if uerr.Code == c {
			return uerr
		}
	}
	return nil
}

// usageView is the printed form of a usage operation. Success means the
// quota allows another use for check, the use was consumed for increment and
// the use was returned for rollback.
type usageView struct {
	ClientIP       string             `json:"client_ip"`
	Operation      string             `json:"operation"`
	Success        bool               `json:"success"`
	UsageCount     int64              `json:"usage_count"`
	RemainingCount int64              `json:"remaining_count"`
	Limit          int64              `json:"limit"`
	ResetTime      time.Time          `json:"reset_time,omitzero"`
	Degraded       bool               `json:"degraded,omitempty"`
	Error          *limits.UsageError `json:"error,omitempty"`
}

func (v usageView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Client IP: %s\n", v.ClientIP)
	fmt.Fprintf(&b, "Operation: %s\n", v.Operation)
	fmt.Fprintf(&b, "Success:   %t\n", v.Success)
	fmt.Fprintf(&b, "Usage:     %d/%d (%d remaining)\n", v.UsageCount, v.Limit, v.RemainingCount)
	if !v.ResetTime.IsZero() {
		fmt.Fprintf(&b, "Resets at: %s\n", v.ResetTime.UTC().Format(time.RFC3339))
	}
	if v.Degraded {
		b.WriteString("Degraded:  cache unavailable\n")
	}
	if v.Error != nil {
		fmt.Fprintf(&b, "Error:     %s: %s\n", v.Error.Code, v.Error.Message)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// recordTable renders durable records as rows.
type recordTable []*storage.UsageRecord

func (recordTable) Header() []string {
	return []string{"CLIENT_IP", "COUNT", "WINDOW_START", "RESET_AT"}
}

func (t recordTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		rows = append(rows, []string{
			r.Key,
			strconv.FormatInt(r.Count, 10),
			r.WindowStart.UTC().Format(time.RFC3339),
			r.ResetAt.UTC().Format(time.RFC3339),
		})
	}
	return rows
}
