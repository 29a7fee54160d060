package eval

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zen-systems/routegate/pkg/config"
)

const defaultCodeEvalTimeout = 30 * time.Second

// runCodeEval runs the configured command with the response text on stdin.
// Exit 0 means the evaluation passed. The subprocess is killed when the
// timeout fires.
func runCodeEval(ctx context.Context, cfg *config.CodeEvalConfig, text string) (bool, error) {
	timeout := defaultCodeEvalTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Errorf("code eval timed out after %s", timeout)
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("code eval failed to run: %w", err)
	}
	return true, nil
}
