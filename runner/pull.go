package runner

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-composer/device"
	"github.com/ethereum-optimism/infra/op-composer/logging"
	"github.com/ethereum-optimism/infra/op-composer/metrics"
	"github.com/ethereum-optimism/infra/op-composer/types"
)

// Device folders the test harness saves per-test artifacts into.
const (
	DeviceScreenshotsDir = "/storage/emulated/0/app_spoon-screenshots"
	DeviceFilesDir       = "/storage/emulated/0/app_spoon-files"
)

// PulledFiles are the host paths of a test's artifacts, sorted by name.
type PulledFiles struct {
	Files       []string
	Screenshots []string
}

type artifactPuller struct {
	transfer device.FolderTransfer
	layout   logging.Layout
	log      log.Logger
	verbose  bool
}

// Pull copies the test's screenshot and file folders off the device and
// deletes them there. Failures are logged and yield empty lists.
func (p *artifactPuller) Pull(ctx context.Context, dev types.Device, key types.TestKey) PulledFiles {
	return PulledFiles{
		Screenshots: p.pullFolder(ctx, dev, key, "screenshots", DeviceScreenshotsDir, p.layout.ScreenshotsDir(dev.ID, key.ClassName)),
		Files:       p.pullFolder(ctx, dev, key, "files", DeviceFilesDir, p.layout.FilesDir(dev.ID, key.ClassName)),
	}
}

func (p *artifactPuller) pullFolder(ctx context.Context, dev types.Device, key types.TestKey, kind, deviceRoot, hostClassDir string) []string {
	logFn := p.log.Debug
	if p.verbose {
		logFn = p.log.Warn
	}

	if err := os.MkdirAll(hostClassDir, 0755); err != nil {
		p.log.Warn("Failed to create artifact directory", "dir", hostClassDir, "err", err)
		metrics.RecordArtifactPullFailure(dev.ID, kind)
		return nil
	}

	remote := path.Join(deviceRoot, key.ClassName, key.TestName)
	if err := p.transfer.PullFolder(ctx, dev, remote, hostClassDir); err != nil {
		// Most tests produce no artifacts, so a missing folder is expected.
		logFn("Failed to pull folder", "kind", kind, "remote", remote, "err", err)
		metrics.RecordArtifactPullFailure(dev.ID, kind)
	}
	if err := p.transfer.DeleteFolder(ctx, dev, remote); err != nil {
		logFn("Failed to delete folder", "kind", kind, "remote", remote, "err", err)
	}

	return listFiles(filepath.Join(hostClassDir, key.TestName))
}

// listFiles returns the regular files of dir sorted by name.
func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files
}
