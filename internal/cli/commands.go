package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dq-rule-engine/internal/export"
	"dq-rule-engine/internal/manifest"
	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/store"
)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func newLoadRulesCmd(e *env) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "load-rules <manifest>",
		Short: "Validate a rule manifest and upsert its rules by name",
		Long: "Every rule is validated before anything is written; a single invalid rule rejects the\n" +
			"whole manifest. Use - to read the manifest from stdin.",
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			rules, err := manifest.Validate(data)
			if err != nil {
				return err
			}
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				if !dryRun {
					return err
				}
				e.logger.Warn("rule store unavailable, dry run validated the manifest only", "error", err)
				return printJSON(cmd.OutOrStdout(), manifest.OfflineReport(rules))
			}
			rep, err := manifest.Apply(cmd.Context(), rt.Repo, rules, dryRun)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and report changes without writing")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.Error{Code: models.CodeBadRequest, Message: fmt.Sprintf("read manifest: %v", err)}
	}
	return data, nil
}

func newExportDataCmd(e *env) *cobra.Command {
	var opts export.Options
	cmd := &cobra.Command{
		Use:   "export-data {rules|runs|violations} <output>",
		Short: "Export rules, runs or violations to stdout (-), a file or s3://bucket/key",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := export.ParseKind(args[0])
			if err != nil {
				return usageError{err}
			}
			opts.Kind = kind
			opts.Output = args[1]
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := export.New(rt.Repo, e.cfg, cmd.OutOrStdout()).Export(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if opts.Output != "-" {
				return printJSON(cmd.OutOrStdout(), sum)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Days, "days", 0, "only include runs or violations from the last N days")
	cmd.Flags().StringVar(&opts.RuleName, "rule-name", "", "only include this rule")
	cmd.Flags().StringVar(&opts.Format, "format", "", "json or yaml (default from the output extension, else json)")
	return cmd
}

func newRetireRuleCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "retire-rule <name>",
		Short: "Permanently remove a rule with its runs, violations and alert state",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := e.runtime(ctx)
			if err != nil {
				return err
			}
			rule, err := lookupRule(cmd, rt.Repo, args[0])
			if err != nil {
				return err
			}
			if err := rt.Repo.RetireRule(ctx, rule.ID); err != nil {
				return fmt.Errorf("retire rule %s: %w", rule.Name, err)
			}
			if err := rt.Suppression.Reset(ctx, rule.ID); err != nil {
				e.logger.Warn("reset alert cooldown", "rule", rule.Name, "error", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"rule": rule.Name, "status": "retired"})
		},
	}
}

func newSetEnabledCmd(e *env, enabled bool) *cobra.Command {
	use, short := "disable-rule <name>", "Stop scheduling a rule; in-flight runs finish"
	if enabled {
		use, short = "enable-rule <name>", "Resume scheduling a disabled rule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				return err
			}
			rule, err := lookupRule(cmd, rt.Repo, args[0])
			if err != nil {
				return err
			}
			if err := rt.Repo.SetRuleEnabled(cmd.Context(), rule.ID, enabled); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"rule": rule.Name, "enabled": enabled})
		},
	}
}

func newCleanupCmd(e *env) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete violations older than the retention window",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = e.cfg.RetentionDays
			}
			if days <= 0 {
				return usageError{errors.New("--days must be positive")}
			}
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				return err
			}
			cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
			n, err := rt.Repo.DeleteViolationsBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": n, "cutoff": cutoff})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default RETENTION_DAYS)")
	return cmd
}

func newStatusCmd(e *env) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show last scheduler tick, leased rules and unacknowledged violations",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := e.runtime(ctx)
			if err != nil {
				return err
			}
			tick, err := rt.Leases.LastTick(ctx)
			if err != nil {
				return err
			}
			leased, err := rt.Leases.CountActive(ctx)
			if err != nil {
				return err
			}
			unacked, err := rt.Repo.CountUnacknowledged(ctx, time.Now().UTC().Add(-window))
			if err != nil {
				return err
			}
			out := map[string]any{
				"leased_rules":              leased,
				"unacknowledged_violations": unacked,
				"unacknowledged_window":     window.String(),
				"last_tick":                 nil,
			}
			if !tick.IsZero() {
				out["last_tick"] = tick
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "trailing window for unacknowledged violations")
	return cmd
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the rule store schema migrations",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := e.runtime(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.Migrate(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"status": "migrated"})
		},
	}
}

func lookupRule(cmd *cobra.Command, repo store.Repository, name string) (models.Rule, error) {
	rule, err := repo.GetRuleByName(cmd.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		return models.Rule{}, models.Errorf(models.CodeRuleNotFound, "rule %q not found", name)
	}
	if err != nil {
		return models.Rule{}, fmt.Errorf("look up rule %s: %w", name, err)
	}
	return rule, nil
}
