package aligner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"orthorun/internal/apperrors"
	"os/exec"
	"strings"
	"sync"
)

// stderrTail bounds how much tool stderr is kept for error messages.
const stderrTail = 4 << 10

// LocalRunner executes the tool binary on the host.
type LocalRunner struct {
	Path string // binary name or path (default: "mmseqs")
	Dir  string // working directory, optional
}

// Run executes the tool with args and waits for it to exit.
func (r *LocalRunner) Run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, r.path(), args...)
	cmd.Dir = r.Dir

	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if isNotFound(err) {
			return apperrors.ToolNotFound(r.path(), err)
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}

// Ready verifies that the binary can be found.
func (r *LocalRunner) Ready(ctx context.Context) error {
	if _, err := exec.LookPath(r.path()); err != nil {
		return apperrors.ToolNotFound(r.path(), err)
	}
	return nil
}

func (r *LocalRunner) path() string {
	if r.Path == "" {
		return "mmseqs"
	}
	return r.Path
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) > stderrTail {
		p = p[len(p)-stderrTail:]
	}
	if over := t.buf.Len() + len(p) - stderrTail; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// isNotFound reports whether err means the binary could not be started at all.
func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
