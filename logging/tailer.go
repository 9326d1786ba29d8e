package logging

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
)

const DefaultPollInterval = 100 * time.Millisecond

// Tailer follows a file that is being appended to, possibly before it exists.
type Tailer struct {
	path     string
	interval time.Duration
	clock    clock.Clock
	log      log.Logger
}

func NewTailer(path string, clk clock.Clock, interval time.Duration, logger log.Logger) *Tailer {
	if clk == nil {
		clk = clock.NewClock()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Tailer{
		path:     path,
		interval: interval,
		clock:    clk,
		log:      logger,
	}
}

// Follow streams every line appended to the file, in order. Between polls it
// sleeps on the clock. Cancelling ctx stops immediately. Closing done makes the
// tailer read whatever is left, emit a trailing unterminated line, and close
// the channel.
func (t *Tailer) Follow(ctx context.Context, done <-chan struct{}) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		t.follow(ctx, done, out)
	}()
	return out
}

func (t *Tailer) follow(ctx context.Context, done <-chan struct{}, out chan<- string) {
	var (
		file    *os.File
		reader  *bufio.Reader
		partial strings.Builder
	)
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()

	emit := func(line string) bool {
		select {
		case out <- strings.TrimRight(line, "\r\n"):
			return true
		case <-ctx.Done():
			return false
		}
	}

	// readAvailable emits complete lines until EOF.
	readAvailable := func() bool {
		if file == nil {
			f, err := os.Open(t.path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					t.log.Debug("Failed to open tailed file", "path", t.path, "err", err)
				}
				return true
			}
			file = f
			reader = bufio.NewReader(f)
		}
		for {
			chunk, err := reader.ReadString('\n')
			partial.WriteString(chunk)
			if err == nil {
				line := partial.String()
				partial.Reset()
				if !emit(line) {
					return false
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				t.log.Debug("Failed to read tailed file", "path", t.path, "err", err)
			}
			return true
		}
	}

	for {
		if !readAvailable() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
			if readAvailable() && partial.Len() > 0 {
				emit(partial.String())
			}
			return
		case <-t.clock.After(t.interval):
		}
	}
}
