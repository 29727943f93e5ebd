package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pokerdna/dnacore/internal/daemon"
	"github.com/pokerdna/dnacore/internal/domain"
)

// ─── xp ─────────────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(xpCmd)
	xpCmd.AddCommand(xpCreditCmd)
	xpCmd.AddCommand(xpShowCmd)
	xpCmd.AddCommand(xpHistoryCmd)
	xpCmd.AddCommand(xpViolationsCmd)
	xpCmd.AddCommand(xpAuditCmd)

	xpCreditCmd.Flags().StringP("source", "s", string(domain.SourceAdmin), "XP source ("+sourceList()+")")
	xpCreditCmd.Flags().Bool("mastery", false, "Require the mastery gate")
	xpCreditCmd.Flags().Float64("accuracy", -1, "Accuracy in [0, 1] for mastery-gated credits")
	xpHistoryCmd.Flags().IntP("limit", "n", 20, "Maximum entries to show (0 for all)")
	xpViolationsCmd.Flags().IntP("limit", "n", 20, "Maximum entries to show (0 for all)")
}

var xpCmd = &cobra.Command{
	Use:   "xp",
	Short: "Credit and inspect XP",
}

var xpCreditCmd = &cobra.Command{
	Use:   "credit USER_ID AMOUNT",
	Short: "Credit XP to a user",
	Long: `Credit AMOUNT XP to USER_ID through the kernel. Rejected credits are still
recorded in the security log and reported with their reason code.`,
	Args: cobra.ExactArgs(2),
	RunE: runXPCredit,
}

func runXPCredit(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("amount %q is not a number", args[1])
	}
	source, _ := cmd.Flags().GetString("source")
	mastery, _ := cmd.Flags().GetBool("mastery")
	accuracy, _ := cmd.Flags().GetFloat64("accuracy")

	intent := domain.CreditIntent{
		UserID:         args[0],
		Amount:         amount,
		Source:         domain.XPSource(strings.ToUpper(source)),
		RequireMastery: mastery,
	}
	if cmd.Flags().Changed("accuracy") {
		intent.Accuracy = &accuracy
	}

	return withDaemon(func(d *daemon.Daemon) error {
		res, err := d.Kernel.Credit(cmd.Context(), intent)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !res.Success {
			fmt.Fprintf(out, "Blocked: %s (total stays %d)\n", res.ReasonCode, res.NewTotal)
			return nil
		}
		fmt.Fprintf(out, "Credited %d XP to %s\n", res.Delta, args[0])
		fmt.Fprintf(out, "  Total: %d   Level: %d   Tier: %s\n", res.NewTotal, res.Level, res.Tier)
		return nil
	})
}

var xpShowCmd = &cobra.Command{
	Use:   "show USER_ID",
	Short: "Show a user's XP, level and tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			snap, err := d.Kernel.GetXP(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("user %q: %w", args[0], domain.ErrProfileNotFound)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:     %s\n", snap.UserID)
			fmt.Fprintf(out, "XP:       %d (lifetime %d)\n", snap.XPTotal, snap.XPLifetime)
			fmt.Fprintf(out, "Level:    %d (%d XP to next)\n", snap.Level, domain.XPToNextLevel(snap.XPLifetime))
			fmt.Fprintf(out, "Tier:     %s\n", snap.Tier)
			fmt.Fprintf(out, "Version:  %d\n", snap.Version)
			return nil
		})
	},
}

var xpHistoryCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "Show a user's security log, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withDaemon(func(d *daemon.Daemon) error {
			entries, err := d.Kernel.GetHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printEntries(cmd, entries)
		})
	},
}

var xpViolationsCmd = &cobra.Command{
	Use:   "violations [USER_ID]",
	Short: "Show blocked credit attempts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		userID := ""
		if len(args) == 1 {
			userID = args[0]
		}
		return withDaemon(func(d *daemon.Daemon) error {
			entries, err := d.Kernel.GetViolations(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			return printEntries(cmd, entries)
		})
	},
}

var xpAuditCmd = &cobra.Command{
	Use:   "audit USER_ID",
	Short: "Reconcile a user's security log with the profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			report, err := d.Kernel.Audit(cmd.Context(), args[0])
			if err != nil && !errors.Is(err, domain.ErrIntegrity) {
				return err
			}
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		})
	},
}

func printEntries(cmd *cobra.Command, entries []domain.SecurityLogEntry) error {
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No entries.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tSOURCE\tATTEMPTED\tAPPLIED\tPRIOR\tRESULT\tSTATUS")
	for _, e := range entries {
		status := "applied"
		if e.Blocked {
			status = "blocked " + string(e.ReasonCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%d\t%d\t%d\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.UserID, e.Source,
			e.AttemptedDelta, e.AppliedDelta, e.PriorTotal, e.ResultingTotal, status)
	}
	return tw.Flush()
}

func sourceList() string {
	names := make([]string, 0, len(domain.AllSources()))
	for _, s := range domain.AllSources() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
