// Package reporting writes the results of a run for people and for external
// report generators.
package reporting

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// Sink is an interface for different ways of consuming suites
type Sink interface {
	// Consume processes a single suite
	Consume(suite *types.Suite, runID string) error
	// Complete is called when all suites have been consumed
	Complete(runID string) error
}

// Publish hands every suite to every sink and completes them. All sinks run
// even when one fails.
func Publish(sinks []Sink, suites []types.Suite, runID string) error {
	var errs []error
	for _, sink := range sinks {
		for i := range suites {
			if err := sink.Consume(&suites[i], runID); err != nil {
				errs = append(errs, fmt.Errorf("consuming suite %s: %w", suites[i].Name(), err))
			}
		}
		if err := sink.Complete(runID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
