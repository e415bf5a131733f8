package helpers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/sigscan/internal/config"
	"github.com/coral-mesh/sigscan/internal/image"
	"github.com/coral-mesh/sigscan/internal/logging"
	"github.com/coral-mesh/sigscan/internal/memory"
	"github.com/coral-mesh/sigscan/internal/privilege"
	"github.com/coral-mesh/sigscan/internal/retry"
	"github.com/coral-mesh/sigscan/internal/sys/proc"
)

// TargetFlags select the process a command inspects.
type TargetFlags struct {
	PID     int
	Process string
	// Wait keeps looking up Process until it appears or Wait elapses.
	Wait time.Duration
}

// AddTargetFlags adds --pid and --process to a command.
func AddTargetFlags(cmd *cobra.Command, f *TargetFlags) {
	cmd.Flags().IntVarP(&f.PID, "pid", "p", 0, "Target process ID (default: this process)")
	cmd.Flags().StringVar(&f.Process, "process", "", "Target process name")
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "With --process, wait this long for the process to start")
	cmd.MarkFlagsMutuallyExclusive("pid", "process")
}

// ResolvePID returns the selected PID. Zero is the current process.
func (f TargetFlags) ResolvePID(ctx context.Context) (int, error) {
	if f.Process == "" {
		if f.PID < 0 {
			return 0, fmt.Errorf("invalid pid %d", f.PID)
		}
		return f.PID, nil
	}

	lookup := func() ([]int, error) {
		return proc.FindPidsByName(f.Process)
	}

	var (
		pids []int
		err  error
	)
	if f.Wait <= 0 {
		pids, err = lookup()
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, f.Wait)
		defer cancel()

		pids, err = retry.DoValue(waitCtx, retry.Config{
			MaxRetries:     retry.UntilCanceled,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
		}, lookup, func(err error) bool {
			return errors.Is(err, proc.ErrProcessNotFound)
		})
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("process %q did not start within %s", f.Process, f.Wait)
		}
	}
	if err != nil {
		return 0, err
	}

	if len(pids) > 1 {
		return 0, fmt.Errorf("process name %q matches %d processes %v, use --pid", f.Process, len(pids), pids)
	}
	return pids[0], nil
}

// Target is an opened process: a memory reader and the introspector over it.
type Target struct {
	PID          int
	Reader       *memory.ProcessReader
	Introspector image.Introspector
}

// OpenTarget resolves the flags and opens the process.
func OpenTarget(ctx context.Context, f TargetFlags, logger zerolog.Logger) (*Target, error) {
	pid, err := f.ResolvePID(ctx)
	if err != nil {
		return nil, err
	}

	if err := privilege.CheckProcessAccess(pid); err != nil {
		logger.Warn().
			Err(err).
			Int("pid", pid).
			Bool("root", privilege.IsRoot()).
			Bool("sudo", privilege.IsRunningUnderSudo()).
			Msg("Reading the target process will likely fail")
	}

	reader := memory.NewProcessReader(pid)
	return &Target{
		PID:          reader.PID(),
		Reader:       reader,
		Introspector: image.NewProcFS(pid, reader, logger),
	}, nil
}

// Close releases the memory reader.
func (t *Target) Close() error {
	return t.Reader.Close()
}

// NewLogger builds the command logger from settings. An explicit --log-level
// flag wins over the settings.
func NewLogger(cmd *cobra.Command, s config.Settings) zerolog.Logger {
	level := s.LogLevel
	if f := cmd.Flag("log-level"); f != nil && f.Changed {
		level = f.Value.String()
	}

	return logging.NewWithComponent(logging.Config{
		Level:  level,
		Pretty: s.LogPretty,
		Output: cmd.ErrOrStderr(),
	}, "cli")
}
