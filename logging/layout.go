package logging

import (
	"path/filepath"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

const (
	LogsDirName        = "logs"
	ScreenshotsDirName = "screenshots"
	FilesDirName       = "files"
	JUnitDirName       = "junit4-reports"
	JSONDirName        = "json"

	DeviceLogcatFilename          = "full.logcat"
	InstrumentationOutputFilename = "instrumentation.output"
	SummaryFilename               = "summary.log"
	LogcatExtension               = ".logcat"
)

// Layout maps devices and tests onto the output directory tree. Every path
// is partitioned by device id so coordinators never share a file.
type Layout struct {
	OutputDir string
}

func NewLayout(outputDir string) Layout {
	return Layout{OutputDir: outputDir}
}

func (l Layout) LogsDir(deviceID string) string {
	return filepath.Join(l.OutputDir, LogsDirName, deviceID)
}

func (l Layout) DeviceLogcat(deviceID string) string {
	return filepath.Join(l.LogsDir(deviceID), DeviceLogcatFilename)
}

func (l Layout) InstrumentationOutput(deviceID string) string {
	return filepath.Join(l.LogsDir(deviceID), InstrumentationOutputFilename)
}

func (l Layout) TestLogcat(deviceID string, key types.TestKey) string {
	return filepath.Join(l.LogsDir(deviceID), key.ClassName, key.TestName+LogcatExtension)
}

// ScreenshotsDir is the host directory a test's screenshot folder is pulled into.
func (l Layout) ScreenshotsDir(deviceID, className string) string {
	return filepath.Join(l.OutputDir, ScreenshotsDirName, deviceID, className)
}

// FilesDir is the host directory a test's file folder is pulled into.
func (l Layout) FilesDir(deviceID, className string) string {
	return filepath.Join(l.OutputDir, FilesDirName, deviceID, className)
}

func (l Layout) JUnitReport(deviceID string) string {
	return filepath.Join(l.OutputDir, JUnitDirName, deviceID+".xml")
}

func (l Layout) SummaryFile() string {
	return filepath.Join(l.OutputDir, SummaryFilename)
}

func (l Layout) JSONDir() string {
	return filepath.Join(l.OutputDir, JSONDirName)
}
