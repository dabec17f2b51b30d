package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/pterm/pterm"

	"github.com/support-and-care-labs/mail-mcp/stats"
)

// Reporter renders update events as they happen and the final summary.
type Reporter struct {
	out io.Writer
	pb  *pterm.ProgressbarPrinter
	mu  sync.Mutex

	success *pterm.PrefixPrinter
	info    *pterm.PrefixPrinter
	warning *pterm.PrefixPrinter
	failure *pterm.PrefixPrinter
}

// New creates a reporter for total lists. The progress bar is only shown
// when showBar is set, which callers tie to an interactive info-level run.
func New(out io.Writer, total int, showBar bool) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	r := &Reporter{
		out:     out,
		success: pterm.Success.WithWriter(out),
		info:    pterm.Info.WithWriter(out),
		warning: pterm.Warning.WithWriter(out),
		failure: pterm.Error.WithWriter(out),
	}
	if showBar && total > 0 {
		pb, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Updating lists").
			WithWriter(out).
			Start()
		if err == nil {
			r.pb = pb
		}
	}
	return r
}

// Observe is registered with runner.Runner.Observe.
func (r *Reporter) Observe(evt stats.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeWritten:
		r.success.Printf("%s: saved %s (%d bytes)\n", evt.List, evt.Path, evt.Bytes)
	case stats.EventTypeEmpty:
		r.info.Printf("%s: no messages for %s\n", evt.List, evt.Month)
		r.advance(evt.List)
	case stats.EventTypeIngested:
		r.advance(evt.List)
	case stats.EventTypeError:
		r.failure.Printf("%s: %s failed: %v\n", evt.List, evt.Stage, evt.Err)
		r.advance(evt.List)
	}
}

func (r *Reporter) advance(list string) {
	if r.pb == nil {
		return
	}
	r.pb.UpdateTitle("Updated " + list)
	r.pb.Increment()
}

// Stop finalizes the progress bar.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pb != nil {
		_, _ = r.pb.Stop()
		r.pb = nil
	}
}

// Summary prints one table row per list followed by the aggregate status.
func (r *Reporter) Summary(report stats.Report) error {
	r.Stop()

	data := pterm.TableData{{"List", "Status", "Bytes", "Indexed", "Detail"}}
	for _, o := range report.Outcomes {
		detail := o.Path
		if o.State == stats.OutcomeFailed {
			detail = fmt.Sprintf("%s: %v", o.FailedStage, o.Err)
		}
		data = append(data, []string{
			o.List,
			string(o.State),
			strconv.FormatInt(o.Bytes, 10),
			strconv.Itoa(o.Indexed),
			detail,
		})
	}

	fmt.Fprintln(r.out)
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(r.out).WithData(data).Render(); err != nil {
		return err
	}

	updated, empty, failed := report.Counts()
	line := fmt.Sprintf("%s: %d updated, %d empty, %d failed in %v\n",
		report.Month, updated, empty, failed, report.Duration.Round(1e6))
	switch report.Status {
	case stats.StatusSuccess:
		r.success.Print(line)
	case stats.StatusPartial:
		r.warning.Print(line)
	default:
		r.failure.Print(line)
	}
	return nil
}
