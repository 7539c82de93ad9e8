package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"airboat/internal/config"
	"airboat/internal/web"
)

func main() {
	var configPath string
	var summarize string
	flag.StringVar(&configPath, "config", "./airboat.yaml", "Path to YAML config")
	flag.StringVar(&summarize, "summarize-log", "", "Print a summary of a vehicle log and exit")
	flag.Parse()

	if summarize != "" {
		if err := printLogSummary(os.Stdout, summarize); err != nil {
			log.Fatalf("log summary failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	status := web.NewStatus()
	rt, err := newRuntime(cfg, configPath, status)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}

	log.Printf("airboat starting type=%s", cfg.Vehicle.Type)
	if err := rt.Start(ctx); err != nil {
		rt.Close()
		log.Fatalf("runtime start failed: %v", err)
	}

	go func() {
		log.Printf("web listen=%s", cfg.Web.Listen)
		if err := web.Serve(ctx, cfg.Web.Listen, status, logs); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("web server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("airboat stopping")
	rt.Close()
}
