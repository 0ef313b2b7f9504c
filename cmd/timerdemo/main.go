package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"timerloop/internal/app"
)

func main() {
	var (
		cfgPath string
		watch   bool
	)
	flag.StringVar(&cfgPath, "config", "./timerdemo.yaml", "path to config (json or yaml); missing file means defaults")
	flag.BoolVar(&watch, "watch", false, "reload logging settings when the config file changes")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx, watch); err != nil {
		fmt.Fprintln(os.Stderr, "fatal run:", err)
		_ = a.Close()
		os.Exit(1)
	}
}
