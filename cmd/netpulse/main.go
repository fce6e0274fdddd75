package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netpulse/internal/app"
	"netpulse/internal/config"
	"netpulse/pkg/systemd"
)

func main() {
	var (
		cfgPath   string
		once      bool
		stats     bool
		window    time.Duration
		recent    int
		cleanDays int
		timeout   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./netpulse.yaml", "path to config (yaml or json)")
	flag.BoolVar(&once, "once", false, "run a single speed test and exit")
	flag.DurationVar(&timeout, "timeout", 3*time.Minute, "upper bound for -once")
	flag.BoolVar(&stats, "stats", false, "print archived run statistics and exit")
	flag.DurationVar(&window, "window", 24*time.Hour, "statistics window for -stats")
	flag.IntVar(&recent, "recent", 0, "with -stats, also list the N most recent runs")
	flag.IntVar(&cleanDays, "clean", 0, "with -stats, first drop archived runs older than N days")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: .env:", err)
		os.Exit(1)
	}

	if stats {
		err := app.Report(cfgPath, os.Stdout, app.ReportOptions{Window: window, Recent: recent, CleanDays: cleanDays})
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath, app.WithConfigWatch(!once))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	code := 0
	reason := app.StopSignal
	if once {
		runCtx, runCancel := context.WithTimeout(ctx, timeout)
		if _, err := a.RunOnce(runCtx, 5*time.Second); err != nil {
			fmt.Fprintln(os.Stderr, "speed test failed:", err)
			code = 1
		}
		runCancel()
		reason = app.StopOnceDone
	} else {
		_, _ = systemd.Ready()
		go func() { _ = systemd.Watchdog(ctx) }()
		select {
		case <-ctx.Done():
		case <-a.Done():
			if ctx.Err() != nil {
				break
			}
			reason = app.StopFatalError
			code = 1
			if err := a.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "fatal:", err)
			}
		}
		_, _ = systemd.Stopping()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()
	os.Exit(code)
}
