package runner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

const (
	OrchestratorPackage = "androidx.test.orchestrator"
	OrchestratorRunner  = "androidx.test.orchestrator.AndroidTestOrchestrator"

	// testServicesPrefix runs the instrumentation through the test services
	// shell so the orchestrator can spawn one process per test.
	testServicesPrefix = "CLASSPATH=$(pm path androidx.test.services) app_process / androidx.test.services.shellexecutor.ShellMain "
)

// Shard is the slice of the test set assigned to one device.
type Shard struct {
	Index int
	Count int
}

// InstrumentationArguments returns, in order: the shard pair, the user
// arguments and the orchestrator target. The shard pair is only present
// when sharding is enabled across more than one device.
func InstrumentationArguments(cfg types.RunConfig, shard Shard) []types.KeyValue {
	var args []types.KeyValue
	if cfg.Shard && shard.Count > 1 {
		args = append(args,
			types.KeyValue{Key: "numShards", Value: strconv.Itoa(shard.Count)},
			types.KeyValue{Key: "shardIndex", Value: strconv.Itoa(shard.Index)},
		)
	}
	args = append(args, cfg.InstrumentationArguments...)
	if cfg.WithOrchestrator {
		args = append(args, types.KeyValue{
			Key:   "targetInstrumentation",
			Value: fmt.Sprintf("%s/%s", cfg.TestPackage, cfg.TestRunner),
		})
	}
	return args
}

// FormatArguments renders arguments as " -e key value" pairs.
func FormatArguments(args []types.KeyValue) string {
	var b strings.Builder
	for _, kv := range args {
		fmt.Fprintf(&b, " -e %s %s", kv.Key, kv.Value)
	}
	return b.String()
}

// InstrumentCommand is the device shell command that runs the tests.
func InstrumentCommand(cfg types.RunConfig, shard Shard) string {
	pkg, runner, prefix := cfg.TestPackage, cfg.TestRunner, ""
	if cfg.WithOrchestrator {
		pkg, runner, prefix = OrchestratorPackage, OrchestratorRunner, testServicesPrefix
	}
	return fmt.Sprintf("%sam instrument -w -r%s %s/%s",
		prefix, FormatArguments(InstrumentationArguments(cfg, shard)), pkg, runner)
}
