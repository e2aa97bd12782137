package rasp

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Module is a protection module shipped as a file artifact.
type Module struct {
	// Name is the module name checked by the Monitor.
	Name string

	// Path is the artifact location on disk.
	Path string

	// SHA256 is the expected hex digest of the artifact.
	SHA256 string
}

// NativeConfig holds configuration for NativeProbe.
type NativeConfig struct {
	// Modules maps module names to their artifacts.
	Modules []Module

	// ProcFS is the proc filesystem mount point (default: /proc).
	ProcFS string

	// PID is the process to inspect (default: the current process).
	PID int

	// Getenv reads the process environment (default: os.Getenv).
	Getenv func(string) string
}

// PreloadVariables are environment variables used to inject shared
// libraries into a process.
var PreloadVariables = []string{
	"LD_PRELOAD",
	"LD_AUDIT",
	"DYLD_INSERT_LIBRARIES",
}

// InstrumentationLibraries are substrings of mapped library names that
// belong to dynamic instrumentation frameworks.
var InstrumentationLibraries = []string{
	"frida",
	"gum-js-loop",
	"libgadget",
	"xposed",
	"substrate",
	"cynject",
}

// NativeProbe inspects the current process and its on-disk artifacts. It
// describes the process it runs in, so it suits an engine embedded in the
// client application, not a server attesting remote clients.
type NativeProbe struct {
	modules map[string]Module
	procFS  string
	pid     int
	getenv  func(string) string
}

// NewNativeProbe creates a probe for the running process.
func NewNativeProbe(cfg NativeConfig) *NativeProbe {
	modules := make(map[string]Module, len(cfg.Modules))
	for _, m := range cfg.Modules {
		modules[m.Name] = m
	}

	procFS := cfg.ProcFS
	if procFS == "" {
		procFS = procfs.DefaultMountPoint
	}

	pid := cfg.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	getenv := cfg.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	return &NativeProbe{
		modules: modules,
		procFS:  procFS,
		pid:     pid,
		getenv:  getenv,
	}
}

// Name implements Probe.
func (p *NativeProbe) Name() string { return "native" }

// ModuleIntegrity hashes the module artifact and compares it with the
// expected digest.
func (p *NativeProbe) ModuleIntegrity(ctx context.Context, module string) error {
	m, ok := p.modules[module]
	if !ok {
		return fmt.Errorf("%w: %s is not configured", ErrModuleNotFound, module)
	}

	f, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrModuleNotFound, m.Path)
		}
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return err
	}

	return compareDigest(module, h.Sum(nil), m.SHA256)
}

// compareDigest checks actual against the expected hex digest.
func compareDigest(module string, actual []byte, expectedHex string) error {
	expected, err := hex.DecodeString(strings.TrimSpace(expectedHex))
	if err != nil {
		return fmt.Errorf("module %s has malformed digest: %w", module, err)
	}
	if subtle.ConstantTimeCompare(actual, expected) != 1 {
		return fmt.Errorf("%w: %s", ErrModuleTampered, module)
	}
	return nil
}

// DebuggerAttached reads TracerPid from the process status file.
func (p *NativeProbe) DebuggerAttached(ctx context.Context) (bool, error) {
	f, err := os.Open(filepath.Join(p.procFS, strconv.Itoa(p.pid), "status"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, ErrUnsupported
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(&ctxReader{ctx: ctx, r: f})
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:")))
		if err != nil {
			return false, fmt.Errorf("parsing TracerPid: %w", err)
		}
		return pid != 0, nil
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, errors.New("TracerPid not found in process status")
}

// InjectionDetected looks for library preload variables and for
// instrumentation frameworks mapped into the process. Without a readable
// memory map the check is unsupported.
func (p *NativeProbe) InjectionDetected(ctx context.Context) (bool, error) {
	if preloaded(p.getenv) {
		return true, nil
	}

	paths, err := mappedPaths(p.procFS, p.pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrUnsupported) {
			return false, ErrUnsupported
		}
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return anyInstrumented(paths), nil
}

// preloaded reports whether any of PreloadVariables is set.
func preloaded(getenv func(string) string) bool {
	for _, name := range PreloadVariables {
		if getenv(name) != "" {
			return true
		}
	}
	return false
}

// anyInstrumented reports whether a mapped path belongs to an
// instrumentation framework.
func anyInstrumented(paths []string) bool {
	for _, path := range paths {
		path = strings.ToLower(path)
		for _, lib := range InstrumentationLibraries {
			if strings.Contains(path, lib) {
				return true
			}
		}
	}
	return false
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
