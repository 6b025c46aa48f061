// Package jobs turns configured commands into queue actions and feeds them
// to a queue on their schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"asyncq/internal/config"
	"asyncq/internal/task"
	logx "asyncq/pkg/logx"

	"github.com/dustin/go-humanize"
)

// outputTail bounds how much combined output a run keeps.
const outputTail = 16 << 10

// Command is one configured job.
type Command struct {
	Name     string
	Path     string
	Args     []string
	Dir      string
	Env      []string
	Timeout  time.Duration
	Schedule Schedule

	NoRetryExitCodes []int
}

// Run is the data a successful command resolves with.
type Run struct {
	Job      string        `json:"job"`
	ExitCode int           `json:"exit_code"`
	Took     time.Duration `json:"took"`
	Bytes    int64         `json:"bytes"`
	Output   string        `json:"output,omitempty"`
}

// ExitError is returned when a command exits non-zero.
type ExitError struct {
	Job    string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Job, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Job, e.Code, out)
}

// FromConfig validates jc and resolves its schedule and timeout.
func FromConfig(jc config.JobConfig) (Command, error) {
	name := strings.TrimSpace(jc.Name)
	if name == "" {
		return Command{}, errors.New("job name required")
	}
	if strings.TrimSpace(jc.Command) == "" {
		return Command{}, fmt.Errorf("job %q: command required", name)
	}
	sch, err := ParseSchedule(jc.Schedule)
	if err != nil {
		return Command{}, fmt.Errorf("job %q: %w", name, err)
	}
	timeout, err := config.ParseDurationField("jobs."+name+".timeout", jc.Timeout)
	if err != nil {
		return Command{}, err
	}

	var env []string
	if len(jc.Env) > 0 {
		keys := make([]string, 0, len(jc.Env))
		for k := range jc.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+jc.Env[k])
		}
	}
	return Command{
		Name:             name,
		Path:             jc.Command,
		Args:             slices.Clone(jc.Args),
		Dir:              jc.Dir,
		Env:              env,
		Timeout:          timeout,
		Schedule:         sch,
		NoRetryExitCodes: slices.Clone(jc.NoRetryExitCodes),
	}, nil
}

// FromConfigs converts every job, joining all errors.
func FromConfigs(jcs []config.JobConfig) ([]Command, error) {
	out := make([]Command, 0, len(jcs))
	var errs []error
	for _, jc := range jcs {
		c, err := FromConfig(jc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

// Validate is a config.Validator for the jobs section.
func Validate(cfg *config.Config) error {
	_, err := FromConfigs(cfg.Jobs)
	return err
}

// Action runs the command. Cancellation of ctx (abort, pause with abort,
// stop) kills the process.
func (c Command) Action(log logx.Logger) task.Action {
	log = log.With(logx.String("job", c.Name))
	return func(ctx context.Context) (any, error) {
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, c.Path, c.Args...)
		cmd.Dir = c.Dir
		if len(c.Env) > 0 {
			cmd.Env = append(os.Environ(), c.Env...)
		}
		cmd.WaitDelay = 2 * time.Second
		out := &tailBuffer{max: outputTail}
		cmd.Stdout = out
		cmd.Stderr = out

		start := time.Now()
		err := cmd.Run()
		run := Run{Job: c.Name, Took: time.Since(start), Bytes: out.Total(), Output: out.String()}

		if err == nil {
			log.Debug("job finished",
				logx.Duration("took", run.Took),
				logx.String("output", humanize.Bytes(uint64(run.Bytes))),
			)
			return run, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if cause := task.AbortCause(ctx); cause != nil {
				return nil, cause
			}
			return nil, fmt.Errorf("%s: %w", c.Name, ctxErr)
		}

		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			// Start failures (missing binary, bad dir) won't fix themselves.
			return nil, task.NoRetry(fmt.Errorf("%s: %w", c.Name, err))
		}
		run.ExitCode = ee.ExitCode()
		xerr := &ExitError{Job: c.Name, Code: run.ExitCode, Output: run.Output}
		log.Debug("job failed",
			logx.Int("exit_code", run.ExitCode),
			logx.Duration("took", run.Took),
			logx.String("output", humanize.Bytes(uint64(run.Bytes))),
		)
		if slices.Contains(c.NoRetryExitCodes, run.ExitCode) {
			return nil, task.NoRetry(xerr)
		}
		return nil, xerr
	}
}

// tailBuffer keeps the last max bytes written and counts the rest.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	buf   []byte
	total int64
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(p))
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *tailBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
