// Package apk reads the test package name and instrumentation runner out of
// a test APK using the Android asset packaging tool.
package apk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/semver"

	"github.com/ethereum-optimism/infra/op-composer/process"
)

const aaptTimeout = 30 * time.Second

var (
	packageNameRe = regexp.MustCompile(`^package:.*\bname='([^']+)'`)
	attrNameRe    = regexp.MustCompile(`A: android:name\([^)]*\)="([^"]+)"`)
)

// Resolver runs aapt against APKs.
type Resolver struct {
	aapt       string
	supervisor *process.Supervisor
	log        log.Logger
}

func NewResolver(aaptPath string, supervisor *process.Supervisor, logger log.Logger) (*Resolver, error) {
	if aaptPath == "" {
		return nil, errors.New("aapt path cannot be empty")
	}
	if supervisor == nil {
		return nil, errors.New("supervisor cannot be nil")
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Resolver{aapt: aaptPath, supervisor: supervisor, log: logger.New("component", "aapt")}, nil
}

// TestPackage returns the package name declared by the APK.
func (r *Resolver) TestPackage(ctx context.Context, apkPath string) (string, error) {
	out, err := r.run(ctx, "dump", "badging", apkPath)
	if err != nil {
		return "", &NotFoundError{What: "test package", Apk: apkPath, Err: err}
	}
	name, err := ParsePackage(out)
	if err != nil {
		return "", &NotFoundError{What: "test package", Apk: apkPath, Err: err}
	}
	r.log.Debug("Resolved test package", "apk", apkPath, "package", name)
	return name, nil
}

// TestRunner returns the class of the first instrumentation declared in the
// APK manifest.
func (r *Resolver) TestRunner(ctx context.Context, apkPath string) (string, error) {
	out, err := r.run(ctx, "dump", "xmltree", apkPath, "AndroidManifest.xml")
	if err != nil {
		return "", &NotFoundError{What: "test runner", Apk: apkPath, Err: err}
	}
	runner, err := ParseInstrumentationRunner(out)
	if err != nil {
		return "", &NotFoundError{What: "test runner", Apk: apkPath, Err: err}
	}
	r.log.Debug("Resolved test runner", "apk", apkPath, "runner", runner)
	return runner, nil
}

func (r *Resolver) run(ctx context.Context, args ...string) (string, error) {
	return r.supervisor.Output(ctx, process.Config{
		Command: append([]string{r.aapt}, args...),
		Timeout: aaptTimeout,
	})
}

// ParsePackage extracts the name from the "package:" line of aapt badging output.
func ParsePackage(badging string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(badging))
	for scanner.Scan() {
		if m := packageNameRe.FindStringSubmatch(strings.TrimSpace(scanner.Text())); m != nil {
			return m[1], nil
		}
	}
	return "", errors.New("no package line in aapt output")
}

// ParseInstrumentationRunner extracts android:name of the first
// instrumentation element in an aapt xmltree dump.
func ParseInstrumentationRunner(xmltree string) (string, error) {
	inInstrumentation := false
	scanner := bufio.NewScanner(strings.NewReader(xmltree))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "E: ") {
			inInstrumentation = strings.HasPrefix(line, "E: instrumentation ")
			continue
		}
		if !inInstrumentation {
			continue
		}
		if m := attrNameRe.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", errors.New("no instrumentation element in manifest")
}

// FindAapt returns the aapt binary of the newest build-tools release under
// sdkRoot.
func FindAapt(sdkRoot string) (string, error) {
	if sdkRoot == "" {
		return "", errors.New("ANDROID_HOME is not set and no aapt path was given")
	}
	buildTools := filepath.Join(sdkRoot, "build-tools")
	entries, err := os.ReadDir(buildTools)
	if err != nil {
		return "", fmt.Errorf("failed to list build tools: %w", err)
	}

	var newest string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v := "v" + e.Name()
		if !semver.IsValid(v) {
			continue
		}
		if _, err := os.Stat(filepath.Join(buildTools, e.Name(), "aapt")); err != nil {
			continue
		}
		if newest == "" || semver.Compare(v, "v"+newest) > 0 {
			newest = e.Name()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no aapt found in %s", buildTools)
	}
	return filepath.Join(buildTools, newest, "aapt"), nil
}
