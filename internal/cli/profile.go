package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pokerdna/dnacore/internal/app/dnasync"
	"github.com/pokerdna/dnacore/internal/daemon"
	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/supabase"
)

// ─── profile / dna / store ──────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileCreateCmd)

	rootCmd.AddCommand(dnaCmd)
	dnaCmd.AddCommand(dnaReadCmd)
	dnaReadCmd.Flags().Bool("force", false, "Probe the store even if the cache is fresh")

	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeSchemaCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage user profiles",
}

var profileCreateCmd = &cobra.Command{
	Use:   "create USER_ID",
	Short: "Create a first-login profile (no-op if it exists)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			p, err := d.Store.EnsureProfile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("create profile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile %s ready (level %d, %s, version %d)\n",
				p.UserID, p.Level, p.Tier, p.Version)
			return nil
		})
	},
}

var dnaCmd = &cobra.Command{
	Use:   "dna",
	Short: "Read cached DNA profiles",
}

var dnaReadCmd = &cobra.Command{
	Use:   "read USER_ID",
	Short: "Read a user's DNA through the cache",
	Long: `Read a user's DNA the way clients see it. When the store is unreachable
the synthetic default profile is returned and flagged with is_default.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withDaemon(func(d *daemon.Daemon) error {
			dna, err := d.Sync.Read(cmd.Context(), args[0], dnasync.ReadOptions{Force: force})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				domain.CachedDNA
				XPToNext int64 `json:"xp_to_next"`
			}{dna, domain.XPToNextLevel(dna.XPLifetime)})
		})
	},
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Authoritative store utilities",
}

var storeSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the Postgres schema for the supabase backend",
	Long: `Print the tables, append-only triggers and the increment_xp_conditional
function the supabase backend expects. Apply it with psql or the Supabase SQL
editor before switching [store].backend to "supabase".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), supabase.Schema)
		return err
	},
}
