package host

// Governance only: a limit that cannot be applied never stops the worker.

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/models"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroup is one per-worker cgroup v2 directory holding the memory cap.
type cgroup struct {
	path string
}

func cgroupV2Available() bool {
	_, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers"))
	return err == nil
}

// memoryLimitBytes maps the heap bounds onto a process memory cap. Stack and
// code-range sizes are interpreter concerns and stay out of the cap.
func memoryLimitBytes(l *models.ResourceLimits) int64 {
	if l == nil {
		return 0
	}
	mb := l.MaxOldGenerationSizeMb + l.MaxYoungGenerationSizeMb
	if mb <= 0 {
		return 0
	}
	return int64(mb * 1024 * 1024)
}

// applyMemoryLimit places the child in its own cgroup with memory.max set.
// Returns nil when there is nothing to apply or the host does not let us
// (cgroup v1, missing permissions); the interpreter still receives the
// limits through the environment.
func applyMemoryLimit(pid int, limits *models.ResourceLimits, log *logging.Logger) *cgroup {
	bytes := memoryLimitBytes(limits)
	if bytes == 0 || !cgroupV2Available() {
		return nil
	}

	path := filepath.Join(cgroupRoot, "workernodes", fmt.Sprintf("worker-%d", pid))
	if err := os.MkdirAll(path, 0o755); err != nil {
		if log != nil {
			log.Debug("Skipping cgroup memory cap", map[string]interface{}{"error": err.Error()})
		}
		return nil
	}

	if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(fmt.Sprintf("%d", bytes)), 0o644); err != nil {
		os.Remove(path)
		if log != nil {
			log.Debug("Failed to write memory cap", map[string]interface{}{"error": err.Error()})
		}
		return nil
	}
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(fmt.Sprintf("%d", pid)), 0o644); err != nil {
		os.Remove(path)
		if log != nil {
			log.Debug("Failed to join cgroup", map[string]interface{}{"error": err.Error()})
		}
		return nil
	}

	if log != nil {
		log.Debug("Memory cap applied", map[string]interface{}{"pid": pid, "bytes": bytes})
	}
	return &cgroup{path: path}
}

// release removes the cgroup once the child exited. Best effort: a busy or
// already-removed directory is not worth reporting.
func (g *cgroup) release() {
	if g == nil {
		return
	}
	os.Remove(g.path)
}
