package sandbox

import (
	"fmt"
	"runtime"
	"time"
)

// Limits is the governed limit set for one run. All four are orthogonal:
// any one firing aborts the run, the others still tear down correctly.
type Limits struct {
	WallClock      time.Duration
	MemoryMB       int
	CPUSeconds     int
	RecursionDepth int
}

// Capabilities reports which limit kinds the active Limiter can enforce.
// Degraded platforms report the reduced set explicitly in every result —
// the governor never silently pretends to enforce a limit it cannot.
type Capabilities struct {
	WallClock      bool `json:"wall_clock"`
	Memory         bool `json:"memory"`
	CPUTime        bool `json:"cpu_time"`
	RecursionDepth bool `json:"recursion_depth"`
}

// Limiter is the platform-conditional enforcement capability.
//
// Limits are installed on the interpreter child process, never on the host:
// the memory and CPU ceilings are process-scoped rlimits applied inside the
// child before the interpreter starts, the wall clock is a context deadline
// that kills the child's process group, and the recursion ceiling is set by
// the harness preamble. Teardown is therefore structural — the child's
// limits die with the child, and nothing about the host worker changes —
// which is what guarantees that one run's limits never leak into the next.
type Limiter interface {
	// Prologue returns the shell fragment that installs process-scoped
	// limits before the interpreter is exec'd. Empty when unenforceable.
	Prologue(l Limits) string

	// Capabilities reports the limit kinds this limiter enforces.
	Capabilities() Capabilities
}

// NewLimiter returns the fullest limiter available on this platform.
func NewLimiter() Limiter {
	switch runtime.GOOS {
	case "linux", "darwin":
		return unixLimiter{}
	default:
		return recursionOnlyLimiter{}
	}
}

// unixLimiter enforces all four limit kinds using ulimit (RLIMIT_AS and
// RLIMIT_CPU on the child), a context deadline, and the harness preamble.
type unixLimiter struct{}

// cpuHardGrace is how far the hard CPU ceiling sits above the soft one.
// The soft limit must be strictly below the hard limit: the kernel raises
// SIGXCPU at the soft ceiling, which is what the classifier matches on,
// and only escalates to SIGKILL at the hard one.
const cpuHardGrace = 5

// Prologue builds the ulimit fragment. The interpreter is exec'd via
// positional parameters, never interpolated, so the fragment is static
// apart from the integer limits.
func (unixLimiter) Prologue(l Limits) string {
	memKB := l.MemoryMB * 1024
	return fmt.Sprintf("ulimit -v %d 2>/dev/null; ulimit -H -t %d 2>/dev/null; ulimit -S -t %d 2>/dev/null; ",
		memKB, l.CPUSeconds+cpuHardGrace, l.CPUSeconds)
}

func (unixLimiter) Capabilities() Capabilities {
	return Capabilities{WallClock: true, Memory: true, CPUTime: true, RecursionDepth: true}
}

// recursionOnlyLimiter is the degraded fallback where the OS offers no
// process rlimits. Wall clock still holds (context deadline needs no OS
// primitive); memory and CPU ceilings do not.
type recursionOnlyLimiter struct{}

func (recursionOnlyLimiter) Prologue(Limits) string { return "" }

func (recursionOnlyLimiter) Capabilities() Capabilities {
	return Capabilities{WallClock: true, Memory: false, CPUTime: false, RecursionDepth: true}
}

// Hint sets per limit kind, surfaced with every violation so the calling
// model can self-correct without a human in the loop.
func hintsFor(kind ErrorKind) []string {
	switch kind {
	case KindTimeout:
		return []string{
			"reduce the data volume processed per run",
			"add loop bounds or break the work into smaller calls",
			"raise timeout_seconds (max 300) if the work is legitimately long",
		}
	case KindMemory:
		return []string{
			"fetch fewer records (lower the data_query limit)",
			"aggregate incrementally instead of materializing full datasets",
			"raise memory_limit_mb (max 2048) if the working set is legitimately large",
		}
	case KindCPU:
		return []string{
			"avoid busy-wait loops",
			"reduce algorithmic complexity or input size",
			"raise cpu_limit_seconds (max 300) if the computation is legitimately heavy",
		}
	case KindRecursion:
		return []string{
			"convert deep recursion to iteration",
			"raise max_recursion_depth (max 500) if the depth is legitimately needed",
		}
	default:
		return nil
	}
}
