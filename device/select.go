package device

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// Filter selects the devices a run should use.
type Filter struct {
	// IDs restricts the run to these device ids when non-empty.
	IDs []string
	// Pattern must match the whole device id when non-empty.
	Pattern string
}

// Select applies the pattern, then the id list, then drops offline devices.
// Input order is kept since it decides shard indexes.
func (f Filter) Select(devices []types.Device) ([]types.Device, error) {
	var re *regexp.Regexp
	if f.Pattern != "" {
		var err error
		re, err = regexp.Compile(`^(?:` + f.Pattern + `)$`)
		if err != nil {
			return nil, fmt.Errorf("invalid device pattern %q: %w", f.Pattern, err)
		}
	}

	selected := make([]types.Device, 0, len(devices))
	for _, d := range devices {
		if re != nil && !re.MatchString(d.ID) {
			continue
		}
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, d.ID) {
			continue
		}
		if !d.Online {
			continue
		}
		selected = append(selected, d)
	}
	return selected, nil
}
