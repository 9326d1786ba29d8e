package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Output supervises cfg to completion and returns its trimmed output.
func (s *Supervisor) Output(ctx context.Context, cfg Config) (string, error) {
	outputPath, err := s.Wait(ctx, cfg)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to read output of %s: %w", cfg.Command[0], err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Wait supervises cfg to completion and returns the output file path.
func (s *Supervisor) Wait(ctx context.Context, cfg Config) (string, error) {
	var outputPath string
	for n := range s.Supervise(ctx, cfg) {
		switch n.Kind {
		case KindStarted:
			outputPath = n.OutputPath
		case KindExited:
			return n.OutputPath, nil
		case KindFailed:
			return n.OutputPath, n.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return outputPath, err
	}
	return outputPath, errors.New("process notifications ended without exit")
}

// HasSuccessLine reports whether output holds a line reading "Success",
// which is how package managers acknowledge an install.
func HasSuccessLine(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "Success") {
			return true
		}
	}
	return false
}
