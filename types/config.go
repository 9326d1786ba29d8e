package types

import (
	"fmt"
	"strings"
	"time"
)

// KeyValue is a single instrumentation argument passed to the runner as "-e key value".
type KeyValue struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// ParseKeyValue parses "key=value". The value may be empty but the key may not.
func ParseKeyValue(s string) (KeyValue, error) {
	key, value, found := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return KeyValue{}, fmt.Errorf("invalid instrumentation argument %q, expected key=value", s)
	}
	return KeyValue{Key: key, Value: value}, nil
}

func (kv KeyValue) String() string {
	return kv.Key + "=" + kv.Value
}

// RunConfig is the immutable configuration of a single test invocation.
type RunConfig struct {
	TestPackage string
	TestRunner  string

	AppApk    string
	TestApk   string
	ExtraApks []string
	MultiApks []string

	InstrumentationArguments []KeyValue

	InstallTimeout time.Duration
	RunTimeout     time.Duration // Zero waits for the runner indefinitely

	Shard            bool
	WithOrchestrator bool
	FailIfNoTests    bool

	OutputDir  string
	Verbose    bool
	KeepOutput bool
}

// InstallPlan returns the APKs installed one by one and the set installed in a
// single install-multiple step. Duplicates are dropped, order is kept.
func (c RunConfig) InstallPlan() (single []string, multiple []string) {
	seen := make(map[string]struct{})
	add := func(paths ...string) {
		for _, p := range paths {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			single = append(single, p)
		}
	}

	if len(c.MultiApks) == 0 {
		add(c.AppApk, c.TestApk)
		add(c.ExtraApks...)
		return single, nil
	}
	add(c.TestApk)
	add(c.ExtraApks...)
	return single, append([]string(nil), c.MultiApks...)
}
