package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
)

// ExecPhaseRunner spawns each phase worker as a child process of the current
// binary (`tradebook phase <name>`), appending its output and exit code to
// the per-phase log.
type ExecPhaseRunner struct {
	tree *identity.Tree
	log  zerolog.Logger

	// Executable overrides the binary to spawn. Empty means the running
	// executable.
	Executable string
	// ExtraEnv is appended to the inherited environment.
	ExtraEnv []string
}

// NewExecPhaseRunner builds a runner that re-invokes the current binary.
func NewExecPhaseRunner(tree *identity.Tree, log zerolog.Logger) *ExecPhaseRunner {
	return &ExecPhaseRunner{
		tree: tree,
		log:  log.With().Str("component", "phase_exec").Logger(),
	}
}

// RunPhase executes one phase worker to completion. A non-zero exit comes
// back as an error after the exit code is written to the phase log.
func (r *ExecPhaseRunner) RunPhase(ctx context.Context, phase domain.Phase) error {
	exe := r.Executable
	if exe == "" {
		path, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable: %w", err)
		}
		exe = path
	}

	logPath := r.tree.PhaseLogFile(phase)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("failed to create phase log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open phase log: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "--- %s phase=%s start\n", domain.FormatUTC(time.Now()), phase)

	cmd := exec.CommandContext(ctx, exe, "phase", string(phase))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), r.ExtraEnv...)

	r.log.Debug().Str("phase", string(phase)).Str("exe", exe).Msg("Spawning phase worker")
	runErr := cmd.Run()

	rc := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			rc = exitErr.ExitCode()
		} else {
			rc = -1
		}
	}
	fmt.Fprintf(logFile, "--- %s phase=%s exit rc=%d\n", domain.FormatUTC(time.Now()), phase, rc)

	if runErr != nil {
		return fmt.Errorf("phase %s worker exited rc=%d: %w", phase, rc, runErr)
	}
	return nil
}

// ExecDispatchLauncher spawns `tradebook dispatch --date <date>` children,
// one per trading day.
type ExecDispatchLauncher struct {
	tree *identity.Tree
	log  zerolog.Logger

	// Executable overrides the binary to spawn. Empty means the running
	// executable.
	Executable string
	// ExtraEnv is appended to the inherited environment.
	ExtraEnv []string
}

// NewExecDispatchLauncher builds a launcher that re-invokes the current
// binary.
func NewExecDispatchLauncher(tree *identity.Tree, log zerolog.Logger) *ExecDispatchLauncher {
	return &ExecDispatchLauncher{
		tree: tree,
		log:  log.With().Str("component", "dispatch_exec").Logger(),
	}
}

// StartDispatch launches the dispatcher child and returns a handle to wait
// on it.
func (l *ExecDispatchLauncher) StartDispatch(tradingDate string) (DispatchChild, error) {
	exe := l.Executable
	if exe == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		exe = path
	}

	logPath := l.tree.DispatchLogFile(tradingDate)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dispatch log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dispatch log: %w", err)
	}

	cmd := exec.Command(exe, "dispatch", "--date", tradingDate)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), l.ExtraEnv...)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}
	l.log.Info().Str("trading_date", tradingDate).Int("pid", cmd.Process.Pid).Msg("Dispatcher launched")

	child := &execDispatchChild{cmd: cmd, done: make(chan error, 1)}
	go func() {
		child.done <- cmd.Wait()
		logFile.Close()
	}()
	return child, nil
}

type execDispatchChild struct {
	cmd  *exec.Cmd
	done chan error
}

// Wait reaps the child. On ctx cancellation it escalates TERM, grace, KILL.
func (c *execDispatchChild) Wait(ctx context.Context, grace time.Duration) error {
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
	}

	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case err := <-c.done:
		return err
	case <-time.After(grace):
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return <-c.done
}
