// Package replay implements the replay-external contract (spec §6): a
// subprocess wrapper around the locally installed game in headless replay
// mode, generalized from the teacher's shell job runner
// (pkg/executor/runner/shell.go) to add process-group registration for
// shutdown and an idle-output timeout.
//
// Invoking the replay binary and parsing its stdout is, per spec.md §1,
// specified only by the verdict it produces — this package owns exactly
// that boundary and nothing about the game itself.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runverify/replay-runner/internal/logging"
	"github.com/runverify/replay-runner/internal/metrics"
	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/shutdown"
	"github.com/runverify/replay-runner/internal/tracing"
)

// IdleOutputTimeout is the "no log output for 5 minutes" bound from spec §5.
const IdleOutputTimeout = 5 * time.Minute

// Spec is the replay-external contract's input tuple (spec §6).
type Spec struct {
	InstallDir   string
	SaveFile     string
	Rules        runmodel.CategoryRules
	ExpectedMods []string
	LogPath      string
}

// Runner is the replay-external boundary every processor invokes.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*runmodel.ReplayReport, *retrytax.ClassifiedError)
}

// SubprocessRunner spawns the game's headless replay binary as a
// process-group child, streams its stdout to LogPath while tracking the
// highest diagnostic severity emitted, and aborts on prolonged silence.
type SubprocessRunner struct {
	registry *shutdown.Registry
	binary   string // path to the headless replay executable under InstallDir
}

// NewSubprocessRunner builds a runner. binary is the executable name
// resolved relative to each Spec's InstallDir (e.g. "bin/headless-replay").
func NewSubprocessRunner(registry *shutdown.Registry, binary string) *SubprocessRunner {
	return &SubprocessRunner{registry: registry, binary: binary}
}

func (r *SubprocessRunner) Run(ctx context.Context, spec Spec) (report *runmodel.ReplayReport, classified *retrytax.ClassifiedError) {
	start := time.Now()
	defer func() { metrics.RecordReplay(time.Since(start).Seconds()) }()

	ctx, span := tracing.Get().StartSpan(ctx, "replay-execute")
	defer func() {
		if classified != nil {
			tracing.SetError(ctx, classified)
		}
		span.End()
	}()

	binPath := filepath.Join(spec.InstallDir, r.binary)
	if _, err := os.Stat(binPath); err != nil {
		return nil, retrytax.Retryablef("installation not found at %s: %v", binPath, err)
	}

	args := buildArgs(spec)
	cmd := exec.CommandContext(ctx, binPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, retrytax.Retryablef("attach stdout pipe: %v", err)
	}
	cmd.Stderr = cmd.Stdout

	logFile, err := os.Create(spec.LogPath)
	if err != nil {
		return nil, retrytax.Retryablef("create log file %s: %v", spec.LogPath, err)
	}
	defer logFile.Close()

	if err := cmd.Start(); err != nil {
		return nil, retrytax.Retryablef("spawn replay process: %v", err)
	}
	r.registry.Track(cmd.Process.Pid)
	defer r.registry.Untrack(cmd.Process.Pid)

	var lastOutputUnix int64
	atomic.StoreInt64(&lastOutputUnix, time.Now().Unix())

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	timedOut := make(chan struct{})
	go watchIdleOutput(watchCtx, &lastOutputUnix, cmd, timedOut)

	maxLevel := runmodel.MsgLevelInfo
	scanDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			atomic.StoreInt64(&lastOutputUnix, time.Now().Unix())
			fmt.Fprintln(logFile, line)
			if level, ok := parseMsgLevel(line); ok && level > maxLevel {
				maxLevel = level
			}
		}
		scanDone <- scanner.Err()
	}()

	waitErr := cmd.Wait()
	cancelWatch()

	select {
	case <-timedOut:
		metrics.ReplayTimeouts.Inc()
		return nil, retrytax.Finalf("replay timed out: no log output for %s", IdleOutputTimeout)
	default:
	}

	<-scanDone

	if waitErr != nil {
		if ctx.Err() == context.Canceled {
			return nil, retrytax.Retryablef("replay canceled: %v", waitErr)
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			logging.Get().Warn("replay process exited unsuccessfully",
				zap.Int("exit_code", exitErr.ExitCode()))
			return nil, retrytax.Retryablef("process exited unsuccessfully: exit code %d", exitErr.ExitCode())
		}
		return nil, retrytax.Retryablef("process spawn/wait failed: %v", waitErr)
	}

	return &runmodel.ReplayReport{MaxMsgLevel: maxLevel}, nil
}

func buildArgs(spec Spec) []string {
	args := []string{
		"--script", spec.Rules.ScriptTemplate,
		"--save", spec.SaveFile,
	}
	if len(spec.ExpectedMods) > 0 {
		args = append(args, "--expected-mods", strings.Join(spec.ExpectedMods, ","))
	}
	for k, v := range spec.Rules.ScriptParams {
		args = append(args, "--param", k+"="+v)
	}
	return args
}

// watchIdleOutput kills the process group and signals timedOut if no log
// line arrives for IdleOutputTimeout (spec §5 "Timeouts").
func watchIdleOutput(ctx context.Context, lastOutputUnix *int64, cmd *exec.Cmd, timedOut chan<- struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(atomic.LoadInt64(lastOutputUnix), 0)
			if time.Since(last) >= IdleOutputTimeout {
				if cmd.Process != nil {
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				}
				close(timedOut)
				return
			}
		}
	}
}

// parseMsgLevel recognizes the verification script's line-prefixed
// diagnostic messages ("[INFO] ...", "[WARN] ...", "[ERROR] ...").
func parseMsgLevel(line string) (runmodel.MsgLevel, bool) {
	switch {
	case strings.HasPrefix(line, "[ERROR]"):
		return runmodel.MsgLevelError, true
	case strings.HasPrefix(line, "[WARN]"):
		return runmodel.MsgLevelWarn, true
	case strings.HasPrefix(line, "[INFO]"):
		return runmodel.MsgLevelInfo, true
	default:
		return 0, false
	}
}
