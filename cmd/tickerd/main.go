package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tickerd/internal/app"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	var (
		cfgPath       string
		once          string
		daemon        bool
		clearCooldown string
		showVersion   bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.StringVar(&once, "once", "", "run one drain with the given strategy and exit (resume, cross_interval, quota, parallel or default)")
	flag.BoolVar(&daemon, "daemon", false, "stay resident: cron triggers, config hot-reload, sd_notify")
	flag.StringVar(&clearCooldown, "clear-cooldown", "", "clear the cooldown for one entity:interval pair and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("tickerd", version)
		return
	}

	modes := 0
	if once != "" {
		modes++
	}
	if daemon {
		modes++
	}
	if clearCooldown != "" {
		modes++
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -once, -daemon or -clear-cooldown is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if clearCooldown != "" {
		entity, interval, ok := strings.Cut(clearCooldown, ":")
		if !ok || entity == "" || interval == "" {
			fmt.Fprintln(os.Stderr, "-clear-cooldown wants entity:interval, e.g. AAPL:1d")
			os.Exit(2)
		}
		if err := app.ClearCooldown(ctx, cfgPath, entity, interval); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	a, err := app.New(cfgPath, app.Options{Daemon: daemon, Version: version})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background())
		os.Exit(1)
	}

	exit := 0
	if daemon {
		select {
		case <-ctx.Done():
		case <-a.Done():
		}
		if a.Err() != nil {
			exit = 1
		}
	} else {
		strategy := once
		if strategy == "default" {
			strategy = ""
		}
		if err := a.RunOnce(ctx, strategy); err != nil && !errors.Is(err, context.Canceled) {
			exit = 1
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
		if exit == 0 {
			exit = 1
		}
	}
	os.Exit(exit)
}
