package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/support-and-care-labs/mail-mcp/config"
	"github.com/support-and-care-labs/mail-mcp/filter"
	"github.com/support-and-care-labs/mail-mcp/mbox"
	"github.com/support-and-care-labs/mail-mcp/model"
	"github.com/support-and-care-labs/mail-mcp/stats"
)

const csvReportLimit = 1000

var inspectFields = []string{"From", "To", "Subject", "Day"}

func (a *app) newInspectCmd() *cobra.Command {
	var (
		reportDir string
		topN      int
	)
	cmd := &cobra.Command{
		Use:   "inspect <mbox file>",
		Short: "Analyse an mbox file and show header statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := a.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			f, err := filter.New(cfg.Filter)
			if err != nil {
				return withCode(ExitUsage, fmt.Errorf("create filter: %w", err))
			}
			return inspect(cmd.OutOrStdout(), args[0], f, topN, reportDir)
		},
	}
	cmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	config.RegisterFilterFlags(cmd)
	return cmd
}

func inspect(out io.Writer, mboxPath string, f *filter.Filter, topN int, reportDir string) error {
	fmt.Fprintln(out, "Analyzing mbox file:", mboxPath)

	counter := make(map[string]map[string]int, len(inspectFields))
	for _, field := range inspectFields {
		counter[field] = make(map[string]int)
	}

	messageCount := 0
	skippedCount := 0
	err := mbox.Read(mboxPath, func(m model.Message) error {
		if !f.AllowsRaw(m.Raw) {
			skippedCount++
			return nil
		}
		messageCount++
		for field, value := range fieldValues(m) {
			for _, v := range value {
				counter[field][v]++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error reading mbox file: %w", err)
	}

	total := messageCount + skippedCount
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(skippedCount) / float64(total) * 100
	}
	fmt.Fprintf(out, "Processed %d messages (skipped %d by filters, %.2f%%)\n\n", messageCount, skippedCount, filterPercent)

	printFilterStats(out, f.Stats())

	for _, field := range inspectFields {
		fmt.Fprintf(out, "Top %d %s:\n", topN, field)
		stats.FprintTop(out, counter[field], topN)
		fmt.Fprintln(out)
	}

	if err := saveCSVReports(counter, inspectFields, reportDir, csvReportLimit); err != nil {
		return fmt.Errorf("error saving CSV reports: %w", err)
	}
	fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
	return nil
}

func fieldValues(m model.Message) map[string][]string {
	values := map[string][]string{
		"To": m.To,
	}
	if m.From != "" {
		from := m.From
		if m.FromName != "" {
			from = fmt.Sprintf("%s <%s>", m.FromName, m.From)
		}
		values["From"] = []string{from}
	}
	if m.Subject != "" {
		values["Subject"] = []string{m.Subject}
	}
	if !m.Date.IsZero() {
		values["Day"] = []string{m.Date.UTC().Format("2006-01-02")}
	}
	return values
}

func printFilterStats(out io.Writer, fs filter.Stats) {
	groups := []struct {
		title    string
		patterns []string
	}{
		{"Include Header Filters", fs.IncludeHeaderPatterns},
		{"Include Body Filters", fs.IncludeBodyPatterns},
		{"Exclude Header Filters", fs.ExcludeHeaderPatterns},
		{"Exclude Body Filters", fs.ExcludeBodyPatterns},
	}
	printed := false
	for _, g := range groups {
		if len(g.patterns) == 0 {
			continue
		}
		printed = true
		fmt.Fprintf(out, "%s:\n", g.title)
		printFilterHits(out, g.patterns, fs.Hits)
		fmt.Fprintln(out)
	}
	if printed {
		fmt.Fprintln(out, "---")
		fmt.Fprintln(out)
	}
}

func printFilterHits(out io.Writer, patterns []string, hits map[string]int) {
	sorted := append([]string(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if hits[sorted[i]] != hits[sorted[j]] {
			return hits[sorted[i]] > hits[sorted[j]]
		}
		return sorted[i] < sorted[j]
	})
	for _, p := range sorted {
		if n := hits[p]; n > 0 {
			fmt.Fprintf(out, "  ✓ %s: %d hits\n", p, n)
		} else {
			fmt.Fprintf(out, "  ✗ %s: 0 hits\n", p)
		}
	}
}

func saveCSVReports(counter map[string]map[string]int, fields []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, field := range fields {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(field)))
		if err := writeCSVReport(filePath, stats.Top(counter[field], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
