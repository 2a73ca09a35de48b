package session

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kernelcore/kclient/protocol"
)

// spawner builds and launches the kernel child process. Configured through
// chained With... calls terminated by Start.
type spawner struct {
	kernelBin      string
	launcherModule string
	connectionFile string
	extraEnv       []string
}

// newSpawner creates a spawner for kernelBin, generating a fresh connection
// file path under the system temp directory.
func newSpawner(kernelBin, launcherModule string) (*spawner, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.WithMessage(err, "session: failed to generate connection file name")
	}
	return &spawner{
		kernelBin:      kernelBin,
		launcherModule: launcherModule,
		connectionFile: filepath.Join(os.TempDir(), fmt.Sprintf("kclient-kernel-%s.json", id.String())),
	}, nil
}

// WithEnv appends extra "KEY=VALUE" entries to the child's environment.
func (sp *spawner) WithEnv(env ...string) *spawner {
	sp.extraEnv = append(sp.extraEnv, env...)
	return sp
}

// spawnedKernel holds the live child process plus the channel its exit is
// reported on.
type spawnedKernel struct {
	cmd            *exec.Cmd
	connectionFile string
	exited         chan error
}

// Start launches the kernel binary per the spawn contract (§6): argv
// [kernelBin, -m, launcherModule, -f, connectionFile], PATH prepended with
// the kernel binary's directory, VIRTUAL_ENV set to its parent.
func (sp *spawner) Start() (*spawnedKernel, error) {
	cmd := exec.Command(sp.kernelBin, "-m", sp.launcherModule, "-f", sp.connectionFile)
	cmd.Env = append(os.Environ(), sp.extraEnv...)

	binPath := sp.kernelBin
	if resolved, err := exec.LookPath(binPath); err == nil {
		binPath = resolved
	}
	binDir := filepath.Dir(binPath)
	if absBinDir, err := filepath.Abs(binDir); err == nil {
		binDir = absBinDir
	}
	cmd.Env = append(cmd.Env,
		"PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"VIRTUAL_ENV="+filepath.Dir(binDir),
	)

	klog.V(1).Infof("session: spawning kernel %s -m %s -f %s", sp.kernelBin, sp.launcherModule, sp.connectionFile)
	if err := cmd.Start(); err != nil {
		return nil, errors.WithMessagef(err, "session: failed to spawn kernel binary %q", sp.kernelBin)
	}

	sk := &spawnedKernel{
		cmd:            cmd,
		connectionFile: sp.connectionFile,
		exited:         make(chan error, 1),
	}
	go func() {
		sk.exited <- cmd.Wait()
	}()
	return sk, nil
}

// interrupt sends the OS interrupt signal to the child process. Best-effort:
// a process that has already exited yields an error the caller ignores.
func (sk *spawnedKernel) interrupt() error {
	return sk.cmd.Process.Signal(os.Interrupt)
}

// kill forcibly terminates the child process.
func (sk *spawnedKernel) kill() error {
	return sk.cmd.Process.Kill()
}

// waitForConnectionFile blocks until the kernel's connection file appears,
// debounces 100ms to let the write settle, then reads and parses it. It
// races an fsnotify watch on the file's directory against the mandatory
// 50x100ms poll (§4.3 step 5): fsnotify typically wins, the poll is the
// fallback for filesystems where fsnotify delivers nothing (network mounts,
// some container overlays).
func waitForConnectionFile(path string, exited <-chan error) (protocol.ConnectionInfo, error) {
	const (
		maxAttempts  = 50
		pollInterval = 100 * time.Millisecond
		debounce     = 100 * time.Millisecond
	)

	dir := filepath.Dir(path)
	watcher, err := fsnotify.NewWatcher()
	var events <-chan fsnotify.Event
	if err != nil {
		klog.Warningf("session: fsnotify unavailable, falling back to polling only: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			klog.Warningf("session: failed to watch %q, falling back to polling only: %v", dir, err)
		} else {
			events = watcher.Events
		}
	}

	found := false
	for attempt := 0; attempt < maxAttempts && !found; attempt++ {
		if _, err := os.Stat(path); err == nil {
			found = true
			break
		}
		select {
		case ev, ok := <-events:
			if ok && ev.Name == path {
				found = true
			}
		case err := <-exited:
			return protocol.ConnectionInfo{}, errors.WithMessage(&ProcessExitError{Err: err}, "session: kernel exited before writing connection file")
		case <-time.After(pollInterval):
		}
	}
	if !found {
		if _, err := os.Stat(path); err != nil {
			return protocol.ConnectionInfo{}, &ConnectionFileTimeoutError{Path: path}
		}
	}

	time.Sleep(debounce)

	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.ConnectionInfo{}, errors.WithMessagef(err, "session: failed to read connection file %q", path)
	}
	var info protocol.ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return protocol.ConnectionInfo{}, errors.WithMessagef(err, "session: failed to parse connection file %q", path)
	}
	return info, nil
}
