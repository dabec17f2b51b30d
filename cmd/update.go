package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/support-and-care-labs/mail-mcp/config"
	"github.com/support-and-care-labs/mail-mcp/index"
	"github.com/support-and-care-labs/mail-mcp/progress"
	"github.com/support-and-care-labs/mail-mcp/runner"
	"github.com/support-and-care-labs/mail-mcp/stats"
)

func (a *app) newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Refresh the current month of the configured mailing lists",
		Long: `Downloads the current month's archive of each selected list, replaces
{data-dir}/{list}/{YYYY-MM}.mbox atomically and ingests the file.

A failing list does not stop the others. The exit code is 0 when every list
succeeded and 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cleanup, err := a.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			all, _ := cmd.Flags().GetBool("all")
			list, _ := cmd.Flags().GetString("list")
			return a.update(cmd, cfg, all, list)
		},
	}
	config.RegisterUpdateFlags(cmd)
	return cmd
}

func (a *app) update(cmd *cobra.Command, cfg config.Config, all bool, listFlag string) error {
	ctx := cmd.Context()

	lists, err := cfg.ResolveLists(all, listFlag)
	if err != nil {
		return withCode(ExitUsage, err)
	}

	ix, closeIngest, err := a.openIngester(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeIngest(); err != nil {
			a.logger.Warn("closing ingest backend failed", "err", err)
		}
	}()
	var ingester index.Ingester = index.Nop{}
	if ix != nil {
		ingester = ix
	}

	r := runner.New(runner.Config{
		DataDir: cfg.DataDir,
		Retries: cfg.Retries,
		Now:     a.opts.Now,
	}, a.fetcher(cfg), ingester, a.logger)

	out := cmd.OutOrStdout()
	reporter := progress.New(out, len(lists), cfg.LogLevel == "info" && isTerminal(out))
	r.Observe(reporter.Observe)

	a.logger.Info("starting update", "lists", len(lists), "dataDir", cfg.DataDir, "ingest", cfg.Ingest)
	report := r.Update(ctx, lists)

	for _, o := range report.Failed() {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", stats.Diagnostic(o))
	}
	if err := reporter.Summary(report); err != nil {
		a.logger.Warn("rendering summary failed", "err", err)
	}

	if report.Status != stats.StatusSuccess {
		_, _, failed := report.Counts()
		return withCode(ExitFailure, fmt.Errorf("update %s: %d of %d lists failed", report.Status, failed, len(report.Outcomes)))
	}
	return nil
}
