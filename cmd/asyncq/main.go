package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"asyncq/internal/app"
	"asyncq/internal/config"
	"asyncq/internal/jobs"
)

func main() {
	var (
		cfgPath string
		check   bool
		grace   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./asyncq.yaml", "path to config (json or yaml)")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.DurationVar(&grace, "grace", 10*time.Second, "shutdown grace period")
	flag.Parse()

	if check {
		cfg, err := config.NewManager(cfgPath).Parse()
		if err == nil {
			err = jobs.Validate(cfg)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid config:", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopDrained
		if a.Err() != nil {
			reason = app.StopFatal
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if err := errors.Join(a.Err(), stopErr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	// A drained batch with rejected items exits non-zero.
	if res, ok := a.Result(); ok && reason == app.StopDrained && len(res.Rejected) > 0 {
		os.Exit(2)
	}
}
