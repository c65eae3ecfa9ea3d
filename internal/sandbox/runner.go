package sandbox

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// harnessSource is the interpreter-side harness. It installs the recursion
// limit, binds the curated builtins and bridge functions, runs the submitted
// script, and reports the outcome as a single terminal message on the
// request pipe.
//
//go:embed harness.py
var harnessSource string

// Child-side file descriptors for the bridge pipes. ExtraFiles[0] becomes
// fd 3, ExtraFiles[1] fd 4.
const (
	bridgeRequestFD  = 3
	bridgeResponseFD = 4
)

// waitDelay bounds cleanup after cancellation kills the process group.
const waitDelay = 2 * time.Second

// bridgeMessage is one child→parent line: either a tool call ({op, args})
// or the terminal result report (op == "result").
type bridgeMessage struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`

	// Terminal report fields.
	OK        bool              `json:"ok,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Message   string            `json:"message,omitempty"`
	Traceback string            `json:"traceback,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// run executes one screened, normalized request in a fresh interpreter
// process and classifies its outcome. Limits are installed in the child via
// the governor prologue, so they die with the process; nothing is restored
// on the host afterwards.
func (e *Executor) run(ctx context.Context, req ExecutionRequest, prefetched any) *ExecutionResult {
	limits := req.limits()

	workDir, err := os.MkdirTemp("", "daraja-sandbox-*")
	if err != nil {
		return runtimeResult(fmt.Sprintf("creating sandbox dir: %v", err), "")
	}
	defer os.RemoveAll(workDir)

	scriptPath := filepath.Join(workDir, "script.py")
	harnessPath := filepath.Join(workDir, "harness.py")
	payloadPath := filepath.Join(workDir, "payload.json")

	payload, err := json.Marshal(map[string]any{
		"script":              scriptPath,
		"return_variables":    req.ReturnVariables,
		"max_recursion_depth": limits.RecursionDepth,
		"data":                prefetched,
	})
	if err != nil {
		return runtimeResult(fmt.Sprintf("encoding payload: %v", err), "")
	}
	for path, content := range map[string][]byte{
		scriptPath:  []byte(req.Code),
		harnessPath: []byte(harnessSource),
		payloadPath: payload,
	} {
		if err := os.WriteFile(path, content, 0o600); err != nil {
			return runtimeResult(fmt.Sprintf("writing %s: %v", filepath.Base(path), err), "")
		}
	}

	// Bridge pipes. The child writes tool calls and its terminal report on
	// fd 3 and reads replies on fd 4.
	callR, callW, err := os.Pipe()
	if err != nil {
		return runtimeResult(fmt.Sprintf("creating bridge pipe: %v", err), "")
	}
	replyR, replyW, err := os.Pipe()
	if err != nil {
		callR.Close()
		callW.Close()
		return runtimeResult(fmt.Sprintf("creating bridge pipe: %v", err), "")
	}
	defer callR.Close()
	defer replyW.Close()

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	// The prologue applies ulimits inside the shell, then exec replaces the
	// shell with the interpreter so the limits land on the script's own
	// process. Positional parameters keep the interpreter invocation out of
	// the shell-parsed string.
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c",
		e.limiter.Prologue(limits)+`exec "$@"`,
		"_", e.config.PythonBin, "-I", "-B", harnessPath, payloadPath)
	cmd.Dir = workDir
	cmd.Env = sandboxEnv(workDir)
	cmd.ExtraFiles = []*os.File{callW, replyR}

	stdout := newCaptureWriter(e.config.MaxOutputBytes, req.OutputSink)
	stderr := newCaptureWriter(e.config.MaxOutputBytes, nil)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Own process group, so cancellation kills the interpreter and anything
	// it managed to spawn.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		callW.Close()
		replyR.Close()
		return runtimeResult(fmt.Sprintf("starting interpreter: %v", err), "")
	}
	// Parent's copies of the child ends; keeping them open would mask EOF.
	callW.Close()
	replyR.Close()

	bridge := NewBridge(e.platform, e.proxy, req.User, e.metrics, e.logger)
	reportCh := make(chan *bridgeMessage, 1)
	go serveBridge(runCtx, bridge, callR, replyW, reportCh)

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	var report *bridgeMessage
	select {
	case report = <-reportCh:
	case <-time.After(waitDelay):
	}

	res := e.classify(runCtx, req, limits, report, waitErr, stderr.String())
	if req.CaptureOutput {
		res.Output = stdout.String()
	}
	return res
}

// serveBridge answers tool calls line by line until the child closes its end
// of the pipe, then delivers the terminal report (or nil if none arrived).
func serveBridge(ctx context.Context, bridge *Bridge, calls *os.File, replies *os.File, reportCh chan<- *bridgeMessage) {
	var report *bridgeMessage
	defer func() { reportCh <- report }()

	enc := json.NewEncoder(replies)
	sc := bufio.NewScanner(calls)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg bridgeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			_ = enc.Encode(failMsg(fmt.Sprintf("malformed bridge call: %v", err), "InvalidArguments"))
			continue
		}
		if msg.Op == "result" {
			m := msg
			report = &m
			continue
		}
		_ = enc.Encode(bridge.Dispatch(ctx, msg.Op, msg.Args))
	}
}

// classify maps the raw process outcome to a structured result. The
// harness's own report wins when present; otherwise the exit state and
// stderr decide.
func (e *Executor) classify(runCtx context.Context, req ExecutionRequest, limits Limits, report *bridgeMessage, waitErr error, stderrText string) *ExecutionResult {
	if report != nil {
		switch {
		case report.OK:
			return &ExecutionResult{
				Success:   true,
				Stderr:    maybeStderr(req, stderrText),
				Variables: report.Variables,
			}
		case report.Kind == "memory":
			return limitResult(KindMemory, report.Message, limits.MemoryMB)
		case report.Kind == "recursion":
			return limitResult(KindRecursion, report.Message, limits.RecursionDepth)
		default:
			res := runtimeResult(report.Message, report.Traceback)
			res.Stderr = stderrText
			return res
		}
	}

	// No report: the process was killed before the harness could speak.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return limitResult(KindTimeout,
			fmt.Sprintf("execution exceeded the %d second time limit", req.TimeoutSeconds),
			req.TimeoutSeconds)
	}
	if exitSignal(waitErr) == syscall.SIGXCPU || cpuExhausted(waitErr, limits.CPUSeconds) {
		return limitResult(KindCPU,
			fmt.Sprintf("execution exceeded the %d second CPU limit", limits.CPUSeconds),
			limits.CPUSeconds)
	}
	if strings.Contains(stderrText, "MemoryError") {
		return limitResult(KindMemory,
			fmt.Sprintf("execution exceeded the %d MB memory limit", limits.MemoryMB),
			limits.MemoryMB)
	}

	msg := "interpreter exited without reporting a result"
	if waitErr != nil {
		msg = fmt.Sprintf("interpreter failed: %v", waitErr)
	}
	res := runtimeResult(msg, "")
	res.Stderr = stderrText
	return res
}

// cpuExhausted reports whether the child consumed at least its CPU budget.
// Catches the hard-ceiling case where a script that blocks SIGXCPU is
// escalated to SIGKILL, which carries no limit information of its own.
func cpuExhausted(waitErr error, cpuSeconds int) bool {
	var ee *exec.ExitError
	if !errors.As(waitErr, &ee) || ee.ProcessState == nil {
		return false
	}
	used := ee.UserTime() + ee.SystemTime()
	return used >= time.Duration(cpuSeconds)*time.Second
}

// exitSignal returns the terminating signal, or 0 for clean or non-signal
// exits.
func exitSignal(waitErr error) syscall.Signal {
	var ee *exec.ExitError
	if !errors.As(waitErr, &ee) {
		return 0
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0
	}
	return ws.Signal()
}

func maybeStderr(req ExecutionRequest, s string) string {
	if req.CaptureOutput {
		return s
	}
	return ""
}

// sandboxEnv is the minimal environment the interpreter sees. Nothing from
// the host process leaks through.
func sandboxEnv(workDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}
