package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/nexus-assistant/wabridge/internal/bridge"
	"github.com/nexus-assistant/wabridge/internal/config"
	. "github.com/nexus-assistant/wabridge/internal/logging"
	"github.com/nexus-assistant/wabridge/internal/media"
	"github.com/nexus-assistant/wabridge/internal/server"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("wabridge %s\n", version)
			return
		case "init":
			path, err := config.InitConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return
		case "link":
			cfg := mustLoadConfig()
			if err := bridge.LinkDevice(cfg.QRMode, cfg.Media.Dir); err != nil {
				fmt.Fprintf(os.Stderr, "link failed: %v\n", err)
				os.Exit(1)
			}
			return
		case "unlink":
			if err := bridge.UnlinkDevice(); err != nil {
				fmt.Fprintf(os.Stderr, "unlink failed: %v\n", err)
				os.Exit(1)
			}
			return
		case "status":
			if err := bridge.DeviceStatus(); err != nil {
				fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			usage()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
			usage()
			os.Exit(1)
		}
	}

	run()
}

func usage() {
	fmt.Println("Usage: wabridge [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)    run the bridge")
	fmt.Println("  init      write a default bridge.json")
	fmt.Println("  link      pair a new WhatsApp device")
	fmt.Println("  unlink    remove the stored WhatsApp session")
	fmt.Println("  status    show pairing status")
	fmt.Println("  version   print the version")
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func run() {
	cfg := mustLoadConfig()

	Init(&Config{
		Level: ParseLevel(cfg.LogLevel),
	})
	L_info("wabridge %s starting", version)

	pipeline, err := media.New(cfg.Media)
	if err != nil {
		L_fatal("failed to init media pipeline: %v", err)
	}

	session, err := bridge.NewSession(cfg, pipeline)
	if err != nil {
		L_fatal("failed to init session: %v", err)
	}

	srv := server.New(cfg.Server, session, session.StatusString)
	session.SetPublisher(srv)

	if err := srv.Start(); err != nil {
		L_fatal("failed to start server: %v", err)
	}

	if err := session.Connect(); err != nil {
		// Reconnects are scheduled internally; only a terminal failure
		// aborts startup.
		if err == bridge.ErrLoggedOut {
			L_fatal("%v", err)
		}
		L_warn("initial connect failed: %v", err)
	}

	cron := cronlib.New()
	if _, err := cron.AddFunc("@hourly", pipeline.MaybeCleanup); err != nil {
		L_fatal("failed to schedule media sweep: %v", err)
	}
	if _, err := cron.AddFunc("@every 1m", session.SweepCaches); err != nil {
		L_fatal("failed to schedule cache sweep: %v", err)
	}
	cron.Start()

	L_info("wabridge ready", "addr", cfg.Server.Addr())

	done := make(chan struct{})
	if cfg.ExitAfterConnect {
		go func() {
			<-session.Opened()
			L_info("connected, exiting after delay", "delay_ms", cfg.ExitDelayMs)
			time.Sleep(time.Duration(cfg.ExitDelayMs) * time.Millisecond)
			close(done)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		L_info("received signal, shutting down", "signal", s)
	case <-done:
	}

	cron.Stop()
	session.Stop()
	if err := srv.Stop(); err != nil {
		L_warn("server shutdown error: %v", err)
	}
	L_info("wabridge stopped")
}
