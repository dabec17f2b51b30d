package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/support-and-care-labs/mail-mcp/config"
	"github.com/support-and-care-labs/mail-mcp/index"
	"github.com/support-and-care-labs/mail-mcp/model"
)

func (a *app) newIndexCmd() *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "index <mbox file or directory>",
		Short: "Ingest downloaded mbox files into the configured backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := a.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			list, _ := cmd.Flags().GetString("list")
			return a.index(cmd, cfg, args[0], list, pattern)
		},
	}
	config.RegisterListFlags(cmd)
	config.RegisterIngestFlags(cmd)
	cmd.Flags().StringVar(&pattern, "pattern", "*.mbox", "File pattern used when indexing a directory")
	return cmd
}

func (a *app) index(cmd *cobra.Command, cfg config.Config, path, listFlag, pattern string) error {
	ctx := cmd.Context()

	lists, err := cfg.ResolveLists(false, listFlag)
	if err != nil {
		return withCode(ExitUsage, err)
	}
	list := lists[0]

	info, err := os.Stat(path)
	if err != nil {
		return withCode(ExitUsage, fmt.Errorf("%w: %w", model.ErrInvalidArgument, err))
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
	if ix == nil {
		return withCode(ExitUsage, fmt.Errorf("%w: --ingest %s stores nothing", model.ErrInvalidArgument, cfg.Ingest))
	}

	var results []index.Result
	if info.IsDir() {
		results, err = ix.IngestDir(ctx, list, path, pattern)
	} else {
		var res index.Result
		res, err = ix.Ingest(ctx, list, path)
		results = append(results, res)
	}

	data := pterm.TableData{{"File", "Indexed", "Skipped", "Filtered", "Errors", "Unchanged"}}
	for _, r := range results {
		data = append(data, []string{
			r.Path,
			strconv.Itoa(r.Indexed),
			strconv.Itoa(r.Skipped),
			strconv.Itoa(r.Filtered),
			strconv.Itoa(r.Errors),
			strconv.FormatBool(r.Unchanged),
		})
	}
	if len(results) > 0 {
		if rerr := pterm.DefaultTable.WithHasHeader().WithWriter(cmd.OutOrStdout()).WithData(data).Render(); rerr != nil {
			a.logger.Warn("rendering summary failed", "err", rerr)
		}
	}
	if err != nil {
		return err
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printf("Indexed %d file(s) for %s\n", len(results), list)
	return nil
}
