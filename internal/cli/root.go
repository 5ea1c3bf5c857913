// Package cli implements dqctl, the operator command surface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dq-rule-engine/internal/app"
	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/models"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1 // a check ran and found a violation
	ExitInvalid = 2 // bad input: manifest, rule, flags or unknown names
	ExitError   = 3 // a check could not run, a lease was held or the engine failed
)

// Opener builds the runtime a command works against.
type Opener func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.Runtime, error)

type env struct {
	open    Opener
	cfg     config.Config
	logger  *slog.Logger
	rt      *app.Runtime
	verbose bool
}

// runtime opens the engine on first use.
func (e *env) runtime(ctx context.Context) (*app.Runtime, error) {
	if e.rt != nil {
		return e.rt, nil
	}
	rt, err := e.open(ctx, e.cfg, e.logger)
	if err != nil {
		return nil, err
	}
	e.rt = rt
	return rt, nil
}

// Execute runs dqctl with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer, open Opener) int {
	if open == nil {
		open = app.Open
	}
	e := &env{open: open}
	root := newRootCmd(e)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if e.rt != nil {
		e.rt.Close()
	}
	if err == nil {
		return ExitOK
	}
	se := models.AsError(err)
	if errors.As(err, new(usageError)) {
		se = &models.Error{Code: models.CodeBadRequest, Message: err.Error()}
	}
	enc := json.NewEncoder(stderr)
	enc.SetIndent("", "  ")
	_ = enc.Encode(se)
	return exitCode(se)
}

func exitCode(e *models.Error) int {
	switch e.Code {
	case models.CodeRunFailed:
		return ExitFailed
	case models.CodeManifestInvalid, models.CodeRuleInvalid, models.CodeRuleNotFound,
		models.CodeNotFound, models.CodeBadRequest:
		return ExitInvalid
	default:
		return ExitError
	}
}

type usageError struct{ error }

func newRootCmd(e *env) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dqctl",
		Short:         "Operate the data-quality rule engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				if err := os.Setenv("DQ_CONFIG", configPath); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return &models.Error{Code: models.CodeBadRequest, Message: err.Error()}
			}
			e.cfg = cfg
			if e.verbose {
				e.logger = app.NewLogger(cfg)
			} else {
				e.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file with sources, channels and routing (default $DQ_CONFIG)")
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "log at the configured level instead of warnings only")

	root.AddCommand(
		newRunChecksCmd(e),
		newLoadRulesCmd(e),
		newExportDataCmd(e),
		newRetireRuleCmd(e),
		newSetEnabledCmd(e, true),
		newSetEnabledCmd(e, false),
		newCleanupCmd(e),
		newStatusCmd(e),
		newMigrateCmd(e),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
