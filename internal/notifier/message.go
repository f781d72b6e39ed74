package notifier

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"qcron/internal/job"
	"qcron/internal/task/ledger"
)

// maxRowsInMessage bounds the result table rendered into a message.
const maxRowsInMessage = 50

// Compose builds the message for a finished run, or reports false when the
// run does not notify anybody.
func Compose(run ledger.Run, def job.Definition, defaultTo []string) (Message, bool) {
	switch run.State {
	case ledger.StateFailedFinal:
		to := def.NotifyTo
		if len(to) == 0 {
			to = defaultTo
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Job %q failed after %d attempt(s).\n\n", def.Name, run.Attempt)
		fmt.Fprintf(&b, "run:      %d\n", run.ID)
		fmt.Fprintf(&b, "job id:   %d\n", def.ID)
		fmt.Fprintf(&b, "due:      %s\n", run.Planned.At.Format(time.RFC3339))
		fmt.Fprintf(&b, "finished: %s\n", run.Finished.Format(time.RFC3339))
		if run.Host != "" {
			fmt.Fprintf(&b, "host:     %s\n", run.Host)
		}
		fmt.Fprintf(&b, "\n%s\n", run.Error)
		return Message{
			Kind:    KindFailure,
			JobID:   def.ID,
			RunID:   run.ID,
			To:      append([]string(nil), to...),
			Subject: fmt.Sprintf("[qcron] job %s failed", def.Name),
			Body:    b.String(),
		}, true

	case ledger.StateSucceeded:
		if len(run.Rows) == 0 || len(def.NotifyTo) == 0 {
			return Message{}, false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Results of job %q (run %d, due %s):\n\n", def.Name, run.ID, run.Planned.At.Format(time.RFC3339))
		writeTable(&b, run.Rows)
		return Message{
			Kind:    KindResults,
			JobID:   def.ID,
			RunID:   run.ID,
			To:      append([]string(nil), def.NotifyTo...),
			Subject: fmt.Sprintf("[qcron] results of %s", def.Name),
			Body:    b.String(),
		}, true
	}
	return Message{}, false
}

func writeTable(b *strings.Builder, rows []map[string]string) {
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	tw := tabwriter.NewWriter(b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	shown := rows
	if len(shown) > maxRowsInMessage {
		shown = shown[:maxRowsInMessage]
	}
	for _, r := range shown {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = r[c]
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t"))
	}
	_ = tw.Flush()
	if n := len(rows) - len(shown); n > 0 {
		fmt.Fprintf(b, "... %d more row(s)\n", n)
	}
}
