package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 250 * time.Millisecond

var lockNameReplacer = strings.NewReplacer(":", "_", "/", "_", `\`, "_")

// FileLocker holds one lock file per device in a shared directory so that
// concurrent runs on the same host never drive the same device.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) *FileLocker {
	if dir == "" {
		dir = os.TempDir()
	}
	return &FileLocker{dir: dir}
}

// Dir is the directory holding the lock files.
func (l *FileLocker) Dir() string {
	return l.dir
}

func (l *FileLocker) Lock(ctx context.Context, deviceID string) (func() error, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(l.dir, "op-composer-"+lockNameReplacer.Replace(deviceID)+".lock")
	fl := flock.New(path)

	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock device %s: %w", deviceID, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock device %s", deviceID)
	}
	return fl.Unlock, nil
}
