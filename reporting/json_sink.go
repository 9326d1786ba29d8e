package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// JSONSink writes every suite to <dir>/<suite name>.json for external report
// writers.
type JSONSink struct {
	dir     string
	written []string
}

func NewJSONSink(dir string) *JSONSink {
	return &JSONSink{dir: dir}
}

func (s *JSONSink) Consume(suite *types.Suite, runID string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create json directory: %w", err)
	}
	data, err := json.MarshalIndent(suiteDocument{RunID: runID, Suite: suite}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode suite %s: %w", suite.Name(), err)
	}
	path := filepath.Join(s.dir, suite.Name()+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	s.written = append(s.written, path)
	return nil
}

func (s *JSONSink) Complete(runID string) error {
	return nil
}

// Written returns the files written so far.
func (s *JSONSink) Written() []string {
	return s.written
}

type suiteDocument struct {
	RunID string `json:"runId"`
	*types.Suite
}
