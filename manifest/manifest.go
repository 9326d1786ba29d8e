// Package manifest loads run defaults from a YAML file. Values given on the
// command line always take precedence over the manifest.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// Manifest mirrors the run flags. Nil pointers and empty values mean unset.
type Manifest struct {
	Apk         string   `yaml:"apk"`
	TestApk     string   `yaml:"testApk"`
	ExtraApks   []string `yaml:"extraApks"`
	MultiApks   []string `yaml:"multiApks"`
	TestPackage string   `yaml:"testPackage"`
	TestRunner  string   `yaml:"testRunner"`

	InstrumentationArguments Arguments `yaml:"instrumentationArguments"`

	Shard            *bool `yaml:"shard"`
	WithOrchestrator *bool `yaml:"withOrchestrator"`
	FailIfNoTests    *bool `yaml:"failIfNoTests"`

	InstallTimeout *time.Duration `yaml:"installTimeout"`
	RunTimeout     *time.Duration `yaml:"runTimeout"`

	Devices       []string `yaml:"devices"`
	DevicePattern string   `yaml:"devicePattern"`
	OutputDir     string   `yaml:"outputDirectory"`
}

// Arguments keeps instrumentation arguments in file order.
type Arguments []types.KeyValue

func (a *Arguments) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: instrumentationArguments must be a mapping", node.Line)
	}
	args := make(Arguments, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: argument %q must be a scalar", value.Line, key.Value)
		}
		if key.Value == "" {
			return fmt.Errorf("line %d: argument key cannot be empty", key.Line)
		}
		args = append(args, types.KeyValue{Key: key.Value, Value: value.Value})
	}
	*a = args
	return nil
}

// Load reads and validates a manifest. Unknown keys are rejected.
func Load(path string) (*Manifest, error) {
	log.Debug("Reading run manifest", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.InstallTimeout != nil && *m.InstallTimeout <= 0 {
		return errors.New("installTimeout must be positive")
	}
	if m.RunTimeout != nil && *m.RunTimeout < 0 {
		return errors.New("runTimeout cannot be negative")
	}
	return nil
}
