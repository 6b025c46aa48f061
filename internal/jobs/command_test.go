package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"asyncq/internal/config"
	"asyncq/internal/task"
	logx "asyncq/pkg/logx"
)

func shellJob(t *testing.T, name, script string, noRetry ...int) Command {
	t.Helper()
	c, err := FromConfig(config.JobConfig{
		Name:             name,
		Command:          "/bin/sh",
		Args:             []string{"-c", script},
		Env:              map[string]string{"ASYNCQ_JOB": name},
		NoRetryExitCodes: noRetry,
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	return c
}

func TestFromConfigs(t *testing.T) {
	t.Parallel()
	cmds, err := FromConfigs([]config.JobConfig{
		{Name: "a", Command: "true", Schedule: "every 5m", Timeout: "10s", Env: map[string]string{"B": "2", "A": "1"}},
		{Name: "b", Command: "true", Schedule: "bogus"},
		{Name: "", Command: "true"},
	})
	if err == nil || !strings.Contains(err.Error(), `job "b"`) || !strings.Contains(err.Error(), "name required") {
		t.Fatalf("err = %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("cmds = %+v", cmds)
	}
	a := cmds[0]
	if a.Schedule.Kind != Interval || a.Timeout != 10*time.Second || strings.Join(a.Env, ",") != "A=1,B=2" {
		t.Fatalf("a = %+v", a)
	}
	if err := Validate(&config.Config{Jobs: []config.JobConfig{{Name: "x", Command: "y", Schedule: "@daily"}}}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCommandActionSuccess(t *testing.T) {
	t.Parallel()
	c := shellJob(t, "echo", `printf "hello $ASYNCQ_JOB"`)
	data, err := c.Action(logx.Nop())(context.Background())
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	run := data.(Run)
	if run.Job != "echo" || run.Output != "hello echo" || run.Bytes != int64(len("hello echo")) || run.ExitCode != 0 {
		t.Fatalf("run = %+v", run)
	}
}

func TestCommandActionExitCodes(t *testing.T) {
	t.Parallel()
	c := shellJob(t, "fail", "echo boom >&2; exit 3", 4)
	_, err := c.Action(logx.Nop())(context.Background())
	var xe *ExitError
	if !errors.As(err, &xe) || xe.Code != 3 || task.IsNoRetry(err) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "exit status 3: boom") {
		t.Fatalf("message = %q", err.Error())
	}

	c = shellJob(t, "perm", "exit 4", 4)
	if _, err := c.Action(logx.Nop())(context.Background()); !task.IsNoRetry(err) {
		t.Fatalf("exit 4 should be permanent: %v", err)
	}

	c = Command{Name: "missing", Path: "/nonexistent/asyncq-test-binary"}
	if _, err := c.Action(logx.Nop())(context.Background()); !task.IsNoRetry(err) {
		t.Fatalf("start failure should be permanent: %v", err)
	}
}

func TestCommandActionAbort(t *testing.T) {
	t.Parallel()
	c := shellJob(t, "sleep", "sleep 30")
	ctx, cancel := context.WithCancelCause(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Action(logx.Nop())(ctx)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel(&task.AbortError{Reason: task.ErrStopped})

	select {
	case err := <-errc:
		if !task.IsAborted(err) || !errors.Is(err, task.ErrStopped) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command not killed")
	}
}

func TestCommandActionTimeout(t *testing.T) {
	t.Parallel()
	c := shellJob(t, "slow", "sleep 30")
	c.Timeout = 50 * time.Millisecond
	_, err := c.Action(logx.Nop())(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if b.String() != "defg" || b.Total() != 7 {
		t.Fatalf("tail = %q total = %d", b.String(), b.Total())
	}
}
