package runner

import (
	"context"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// DeviceRunner runs the tests on one device.
type DeviceRunner interface {
	Run(ctx context.Context, dev types.Device, shard Shard) (*types.DeviceRunResult, error)
}

// DeviceOutcome is what one device produced. Exactly one of Result and Err is set.
type DeviceOutcome struct {
	Device types.Device
	Index  int
	Shard  Shard
	Result *types.DeviceRunResult
	Err    error
}

// RunDevices runs every device concurrently and waits for all of them. A
// failing device does not stop the others. Outcomes are returned in device
// order. When shard is set, device i runs shard i of len(devices).
func RunDevices(ctx context.Context, runner DeviceRunner, devices []types.Device, shard bool) []DeviceOutcome {
	p := pool.NewWithResults[DeviceOutcome]()
	for i, dev := range devices {
		s := Shard{}
		if shard {
			s = Shard{Index: i, Count: len(devices)}
		}
		p.Go(func() DeviceOutcome {
			result, err := runner.Run(ctx, dev, s)
			return DeviceOutcome{Device: dev, Index: i, Shard: s, Result: result, Err: err}
		})
	}

	outcomes := p.Wait()
	sort.Slice(outcomes, func(a, b int) bool {
		return outcomes[a].Index < outcomes[b].Index
	})
	return outcomes
}
