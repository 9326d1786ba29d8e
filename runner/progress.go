package runner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// ProgressIndicator receives coordinator updates for display.
type ProgressIndicator interface {
	StartDevice(deviceID string)
	UpdateState(deviceID string, state State)
	UpdateTest(deviceID string, event types.InstrumentationEvent)
	CompleteDevice(deviceID string, err error)
	Stop()
}

// noOpProgressIndicator provides a no-op implementation of ProgressIndicator
type noOpProgressIndicator struct{}

// NewNoOpProgressIndicator creates a progress indicator that does nothing
func NewNoOpProgressIndicator() ProgressIndicator {
	return &noOpProgressIndicator{}
}

func (n *noOpProgressIndicator) StartDevice(deviceID string)                                  {}
func (n *noOpProgressIndicator) UpdateState(deviceID string, state State)                     {}
func (n *noOpProgressIndicator) UpdateTest(deviceID string, event types.InstrumentationEvent) {}
func (n *noOpProgressIndicator) CompleteDevice(deviceID string, err error)                    {}
func (n *noOpProgressIndicator) Stop()                                                        {}

type deviceProgress struct {
	state     State
	startedAt time.Time
	completed int
	total     int
	failed    int
	current   string
}

// consoleProgressIndicator periodically logs the progress of every device.
type consoleProgressIndicator struct {
	logger log.Logger
	clock  clock.Clock
	ticker clock.Ticker
	stopCh chan struct{}
	once   sync.Once
	mu     sync.RWMutex

	devices map[string]*deviceProgress
}

// NewConsoleProgressIndicator creates a progress indicator that logs every updateInterval.
func NewConsoleProgressIndicator(logger log.Logger, clk clock.Clock, updateInterval time.Duration) ProgressIndicator {
	if updateInterval == 0 {
		updateInterval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.NewClock()
	}

	indicator := &consoleProgressIndicator{
		logger:  logger,
		clock:   clk,
		ticker:  clk.NewTicker(updateInterval),
		stopCh:  make(chan struct{}),
		devices: make(map[string]*deviceProgress),
	}
	go indicator.progressReporter()
	return indicator
}

func (c *consoleProgressIndicator) StartDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[deviceID] = &deviceProgress{state: StateInstalling, startedAt: c.clock.Now()}
}

func (c *consoleProgressIndicator) UpdateState(deviceID string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[deviceID]; ok {
		d.state = state
	}
}

func (c *consoleProgressIndicator) UpdateTest(deviceID string, event types.InstrumentationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return
	}
	d.total = event.Total
	if !event.Completed() {
		d.current = event.Key().String()
		return
	}
	d.current = ""
	d.completed++
	if event.Kind == types.EventTestFailed {
		d.failed++
	}
}

func (c *consoleProgressIndicator) CompleteDevice(deviceID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return
	}
	duration := c.clock.Since(d.startedAt).Truncate(time.Second)
	if err != nil {
		d.state = StateFailed
		c.logger.Info("Device failed", "device", deviceID, "completed", d.completed, "duration", duration, "err", err)
		return
	}
	d.state = StateDone
	c.logger.Info("Device completed", "device", deviceID, "completed", d.completed, "failed", d.failed, "duration", duration)
}

func (c *consoleProgressIndicator) progressReporter() {
	for {
		select {
		case <-c.ticker.C():
			c.reportProgress()
		case <-c.stopCh:
			return
		}
	}
}

func (c *consoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		d := c.devices[id]
		if d.state == StateDone || d.state == StateFailed {
			continue
		}
		var percent float64
		if d.total > 0 {
			percent = float64(d.completed) * 100.0 / float64(d.total)
		}
		c.logger.Info("Progress update",
			"device", id,
			"state", d.state,
			"completed", d.completed,
			"total", d.total,
			"failed", d.failed,
			"percent", fmt.Sprintf("%.1f%%", percent),
			"current", d.current,
		)
	}
}

// Stop stops the progress indicator
func (c *consoleProgressIndicator) Stop() {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.stopCh)
		c.logger.Debug("Progress stopped", "devices", c.summary())
	})
}

// summary renders the device states, used in the final log line.
func (c *consoleProgressIndicator) summary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	parts := make([]string, 0, len(c.devices))
	for id, d := range c.devices {
		parts = append(parts, fmt.Sprintf("%s=%s(%d/%d)", id, d.state, d.completed, d.total))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
