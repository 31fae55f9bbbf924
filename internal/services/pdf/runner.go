package pdf

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// Runner runs external commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger arbor.ILogger
}

// NewExecRunner creates a runner that logs every invocation.
func NewExecRunner(logger arbor.ILogger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("cmd", name).
			Str("args", strings.Join(args, " ")).
			Dur("duration", time.Since(start)).
			Str("stderr", truncate(errb.String(), 8<<10)).
			Msg("Command failed")
	} else {
		r.logger.Trace().
			Str("cmd", name).
			Str("args", strings.Join(args, " ")).
			Dur("duration", time.Since(start)).
			Int("stdout_bytes", out.Len()).
			Msg("Command finished")
	}

	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
