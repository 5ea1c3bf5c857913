package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dq-rule-engine/internal/app"
	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/queue"
	"dq-rule-engine/internal/store"
	"dq-rule-engine/internal/worker"
)

type runReport struct {
	Rule        string            `json:"rule"`
	Status      string            `json:"status"`
	RunID       string            `json:"run_id,omitempty"`
	RowsChecked int64             `json:"rows_checked"`
	RowsFailed  int64             `json:"rows_failed"`
	Sampled     bool              `json:"sampled"`
	Estimated   bool              `json:"estimated"`
	Error       string            `json:"error,omitempty"`
	Violation   *models.Violation `json:"violation,omitempty"`
	Notified    []string          `json:"notified,omitempty"`
	Suppressed  bool              `json:"suppressed,omitempty"`
}

// Statuses reported besides the run statuses.
const (
	statusEnqueued  = "ENQUEUED"
	statusLeaseHeld = "LEASE_HELD"
	statusDiscarded = "DISCARDED"
)

func newRunChecksCmd(e *env) *cobra.Command {
	var (
		ruleName string
		all      bool
		async    bool
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "run-checks [--rule-name NAME | --all]",
		Short: "Run checks now, blocking for their results unless --async",
		Long: "Exits 1 when a check finds a violation and 3 when a check could not run or another\n" +
			"run holds the rule's lease. With --dry-run nothing is recorded or notified and the\n" +
			"exit code is 0 unless the rules themselves cannot be loaded.",
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (ruleName == "") == !all {
				return usageError{fmt.Errorf("exactly one of --rule-name or --all is required")}
			}
			ctx := cmd.Context()
			rt, err := e.runtime(ctx)
			if err != nil {
				return err
			}
			rules, err := selectRules(cmd, rt.Repo, ruleName)
			if err != nil {
				return err
			}

			reports := make([]runReport, 0, len(rules))
			for _, rule := range rules {
				var rep runReport
				if async {
					rep, err = submit(ctx, rt, rule, dryRun)
				} else {
					rep, err = runNow(ctx, rt, rule, dryRun)
				}
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]any{"runs": reports, "dry_run": dryRun}); err != nil {
				return err
			}
			if dryRun {
				return nil
			}
			return outcomeError(reports)
		},
	}
	cmd.Flags().StringVar(&ruleName, "rule-name", "", "run a single rule by name")
	cmd.Flags().BoolVar(&all, "all", false, "run every enabled rule")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue for the worker pool instead of waiting")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without recording runs or sending notifications")
	return cmd
}

func selectRules(cmd *cobra.Command, repo store.Repository, name string) ([]models.Rule, error) {
	if name != "" {
		rule, err := lookupRule(cmd, repo, name)
		if err != nil {
			return nil, err
		}
		return []models.Rule{rule}, nil
	}
	rules, err := repo.ListRules(cmd.Context(), store.RuleFilter{EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

func submit(ctx context.Context, rt *app.Runtime, rule models.Rule, dryRun bool) (runReport, error) {
	ok, err := rt.Scheduler.Submit(ctx, rule, time.Now(), dryRun)
	if err != nil {
		return runReport{}, err
	}
	if !ok {
		return runReport{Rule: rule.Name, Status: statusLeaseHeld}, nil
	}
	return runReport{Rule: rule.Name, Status: statusEnqueued}, nil
}

// runNow executes in this process. Dry runs skip the lease so they never
// contend with scheduled runs.
func runNow(ctx context.Context, rt *app.Runtime, rule models.Rule, dryRun bool) (runReport, error) {
	req := queue.Request{RuleID: rule.ID, FiredAt: time.Now().UTC(), DryRun: true}
	if !dryRun {
		claimed, ok, err := rt.Scheduler.Claim(ctx, rule, time.Now(), false)
		if err != nil {
			return runReport{}, err
		}
		if !ok {
			return runReport{Rule: rule.Name, Status: statusLeaseHeld}, nil
		}
		req = claimed
	}
	res, err := rt.Executor.Execute(ctx, req)
	if err != nil {
		return runReport{}, err
	}
	return reportFor(rule, res), nil
}

func reportFor(rule models.Rule, res worker.Result) runReport {
	rep := runReport{Rule: rule.Name}
	if res.Discarded {
		rep.Status = statusDiscarded
		rep.Error = "rule is disabled"
		return rep
	}
	rep.Status = string(res.Run.Status)
	rep.RunID = res.Run.ID
	rep.RowsChecked = res.Run.RowsChecked
	rep.RowsFailed = res.Run.RowsFailed
	rep.Sampled = res.Run.Sampled
	rep.Estimated = res.Run.Estimated
	if res.Run.ErrorMessage != nil {
		rep.Error = *res.Run.ErrorMessage
	}
	rep.Violation = res.Violation
	if res.Alert.Notified {
		rep.Notified = res.Alert.Channels
	}
	rep.Suppressed = res.Alert.Suppressed
	return rep
}

// outcomeError turns the worst report into the command's error.
func outcomeError(reports []runReport) error {
	var failed, broken []string
	code := models.CodeLeaseHeld
	for _, r := range reports {
		switch r.Status {
		case string(models.RunFailed):
			failed = append(failed, r.Rule)
		case string(models.RunError):
			code = models.CodeRunError
			broken = append(broken, r.Rule)
		case statusLeaseHeld:
			broken = append(broken, r.Rule)
		}
	}
	switch {
	case len(broken) > 0:
		return &models.Error{Code: code, Message: fmt.Sprintf("%d check(s) could not run", len(broken)),
			Details: ruleDetails(broken, "could not run or lease held")}
	case len(failed) > 0:
		return &models.Error{Code: models.CodeRunFailed, Message: fmt.Sprintf("%d check(s) found violations", len(failed)),
			Details: ruleDetails(failed, "violation detected")}
	}
	return nil
}

func ruleDetails(names []string, problem string) []models.FieldError {
	out := make([]models.FieldError, len(names))
	for i, n := range names {
		out[i] = models.FieldError{Rule: n, Field: "status", Problem: problem}
	}
	return out
}
