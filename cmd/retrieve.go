package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/support-and-care-labs/mail-mcp/atomicfile"
	"github.com/support-and-care-labs/mail-mcp/config"
	"github.com/support-and-care-labs/mail-mcp/model"
)

func (a *app) newRetrieveCmd() *cobra.Command {
	var (
		date      string
		outputDir string
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Download one month of a mailing list archive",
		Example: `  mail-mcp retrieve --date 2024-10
  mail-mcp retrieve --date 2024-10 --list users@maven.apache.org --output-dir /tmp/x`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cleanup, err := a.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			list, _ := cmd.Flags().GetString("list")
			return a.retrieve(cmd, cfg, list, date, outputDir)
		},
	}
	config.RegisterListFlags(cmd)
	cmd.Flags().StringVar(&date, "date", "", "Archive month as YYYY-MM (required)")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Directory receiving {YYYY-MM}.mbox")
	return cmd
}

func (a *app) retrieve(cmd *cobra.Command, cfg config.Config, listFlag, date, outputDir string) error {
	ctx := cmd.Context()

	month, err := model.ParseArchiveMonth(date)
	if err != nil {
		return withCode(ExitUsage, err)
	}
	lists, err := cfg.ResolveLists(false, listFlag)
	if err != nil {
		return withCode(ExitUsage, err)
	}
	list := lists[0]

	data, err := a.fetcher(cfg).Fetch(ctx, list, month)
	switch {
	case errors.Is(err, model.ErrEmptyArchive):
		pterm.Info.WithWriter(cmd.OutOrStdout()).Printf("No messages for %s in %s\n", list, month)
		return nil
	case err != nil:
		return withCode(retrieveExitCode(err), fmt.Errorf("retrieve %s %s: %w", list, month, err))
	}

	path := filepath.Join(outputDir, month.FileName())
	if err := atomicfile.Write(ctx, path, data); err != nil {
		return withCode(ExitUpstream, err)
	}
	a.logger.Info("archive saved", "list", list.String(), "month", month.String(), "path", path, "bytes", len(data))
	fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s\n", path)
	return nil
}

func retrieveExitCode(err error) int {
	switch model.Kind(err) {
	case model.ErrInvalidArgument:
		return ExitUsage
	case model.ErrUpstreamUnavailable, model.ErrIOFailure:
		return ExitUpstream
	default:
		return ExitFailure
	}
}
