package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"qcron/internal/job"
	"qcron/internal/task/ledger"
)

// cappedBuffer keeps the first n bytes written and counts the rest.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	n       int
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.n - b.buf.Len()
	if room > 0 {
		take := min(room, len(p))
		b.buf.Write(p[:take])
		b.dropped += len(p) - take
	} else {
		b.dropped += len(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return fmt.Sprintf("%s\n... (%d bytes truncated)", b.buf.String(), b.dropped)
	}
	return b.buf.String()
}

func (e *Executor) runScript(ctx context.Context, run ledger.Run, def job.Definition) ([]map[string]string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", def.Code)
	cmd.Env = append(os.Environ(),
		"QCRON_JOB="+def.Name,
		"QCRON_JOB_ID="+strconv.FormatInt(def.ID, 10),
		"QCRON_RUN_ID="+strconv.FormatInt(run.ID, 10),
		"QCRON_ATTEMPT="+strconv.Itoa(run.Attempt),
		"QCRON_DUE="+run.Planned.At.UTC().Format("2006-01-02T15:04:05Z"),
		"QCRON_USER="+def.User,
		"QCRON_PASSWORD="+def.Password,
	)
	// Children of the shell may keep the output pipe open after a kill.
	cmd.WaitDelay = 2 * time.Second
	out := &cappedBuffer{n: e.cfg.OutputLimit}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	rows := []map[string]string{{"output": out.String()}}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("script %q: %w", def.Name, context.Cause(ctx))
		}
		return nil, fmt.Errorf("script %q: %w: %s", def.Name, err, truncate(out.String(), 512))
	}
	return rows, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
