// CLASP - an LLM API gateway. Routes OpenAI / Anthropic / Gemini wire-format
// traffic to upstreams in any of those formats, with weighted failover,
// per-upstream circuit breaking, declarative rewriting, and an async access
// log.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clasp-gateway/clasp/internal/breaker"
	"github.com/clasp-gateway/clasp/internal/config"
	"github.com/clasp-gateway/clasp/internal/logging"
	"github.com/clasp-gateway/clasp/internal/proxy"
	"github.com/clasp-gateway/clasp/internal/setup"
	"github.com/clasp-gateway/clasp/internal/statusline"
)

var version = "v1.0.0"

func main() {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "setup":
			runSetup(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "logs":
			runLogs()
			return
		case "cleanup":
			runCleanup(os.Args[2:])
			return
		case "version", "-v", "--version":
			fmt.Printf("clasp %s\n", version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	runServe(os.Args[1:])
}

func printHelp() {
	fmt.Printf(`CLASP %s - LLM API gateway

Usage:
  clasp [flags]           start the gateway (default command)
  clasp setup             interactively add a route to the config file
  clasp status [-v]       show the running gateway's status
  clasp logs              list log files
  clasp cleanup [-days N] delete old access log rows
  clasp version           print the version

Flags for the default command:
  -port N       listen port (default %d; PORT / CLASP_PORT)
  -config PATH  route config file (CONFIG_PATH)
  -debug        trace request/response/SSE payloads to the debug log
  -quiet        suppress process logs

Environment: WORKER_COUNT, PORT, CONFIG_PATH, LOG_LEVEL, CLASP_DEBUG,
CLASP_ACCESS_DB, CLASP_LOG_RETENTION_DAYS, ANTHROPIC_MAX_TOKENS,
OPENAI_REASONING_MAX_TOKENS, OPENAI_{LOW,MEDIUM,HIGH}_TO_{ANTHROPIC,GEMINI}_TOKENS,
{ANTHROPIC,GEMINI}_TO_OPENAI_{LOW,HIGH}_REASONING_THRESHOLD.
`, version, config.DefaultPort)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("clasp", flag.ExitOnError)
	portFlag := fs.Int("port", 0, "listen port")
	configFlag := fs.String("config", "", "route config file")
	debugFlag := fs.Bool("debug", false, "enable debug payload tracing")
	quietFlag := fs.Bool("quiet", false, "suppress process logs")
	foreground := fs.Bool("foreground", false, "log to stdout instead of the log file")
	_ = fs.Parse(args)

	settings := config.LoadSettings()
	if *portFlag > 0 {
		settings.Port = *portFlag
	}
	if *configFlag != "" {
		settings.ConfigPath = *configFlag
	}
	if *debugFlag {
		settings.Debug = true
	}
	if err := settings.Validate(); err != nil {
		log.Fatalf("[CLASP] %v", err)
	}
	if settings.ConfigPath == "" {
		log.Fatalf("[CLASP] no route config: set CONFIG_PATH or pass -config (run `clasp setup` to create one)")
	}

	switch {
	case *quietFlag:
		logging.ConfigureQuiet()
	case *foreground:
		logging.ConfigureStdout()
	default:
		if err := logging.ConfigureFile(settings.Port); err != nil {
			log.Printf("[CLASP] file logging unavailable, using stdout: %v", err)
			logging.ConfigureStdout()
		}
	}
	defer logging.Close()

	if settings.Debug {
		if err := logging.EnableDebug(settings.Port); err != nil {
			log.Printf("[CLASP] debug tracing unavailable: %v", err)
		}
	}

	server, err := proxy.NewServer(settings.ConfigPath, settings.Port, version)
	if err != nil {
		log.Fatalf("[CLASP] %v", err)
	}

	status, statusErr := statusline.NewManager()
	if statusErr != nil {
		log.Printf("[CLASP] status line unavailable: %v", statusErr)
	} else {
		routes := map[string]bool{}
		for _, u := range server.UpstreamStates() {
			routes[u.Route] = true
		}
		_ = status.Update(statusline.Status{
			Running:    true,
			Port:       settings.Port,
			Version:    version,
			ConfigPath: settings.ConfigPath,
			Routes:     len(routes),
			StartTime:  time.Now(),
		})
	}

	stop := make(chan struct{})
	go maintenanceLoop(server, status, settings.RetentionDays, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[CLASP] shutting down...")
		close(stop)
		if status != nil {
			_ = status.Clear()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[CLASP] shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("[CLASP] server error: %v", err)
	}
}

// maintenanceLoop refreshes the status file and prunes old access log rows.
func maintenanceLoop(server *proxy.Server, status *statusline.Manager, retentionDays int, stop <-chan struct{}) {
	statusTicker := time.NewTicker(5 * time.Second)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer statusTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-statusTicker.C:
			if status == nil {
				continue
			}
			summary := server.Stats().Snapshot()
			var healthy, unhealthy, halfOpen int
			for _, u := range server.UpstreamStates() {
				switch u.Status {
				case breaker.Healthy.String():
					healthy++
				case breaker.Unhealthy.String():
					unhealthy++
				case breaker.HalfOpen.String():
					halfOpen++
				}
			}
			_ = status.UpdateCounters(summary.TotalRequests, summary.TotalFailures, healthy, unhealthy, halfOpen)
		case <-cleanupTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if deleted, err := server.CleanupLogs(ctx, retentionDays); err != nil {
				log.Printf("[CLASP] access log cleanup failed: %v", err)
			} else if deleted > 0 {
				log.Printf("[CLASP] access log cleanup removed %d rows", deleted)
			}
			cancel()
		}
	}
}

func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	configFlag := fs.String("config", "", "route config file to create or extend")
	_ = fs.Parse(args)

	path := *configFlag
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "clasp.json"
	}
	if err := setup.RunWizard(path); err != nil {
		log.Fatalf("[CLASP] %v", err)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	verbose := fs.Bool("v", false, "verbose status")
	_ = fs.Parse(args)

	s, err := statusline.ReadStatusFromFile()
	if err != nil {
		log.Fatalf("[CLASP] %v", err)
	}
	fmt.Println(statusline.FormatStatusLine(s, *verbose))
}

func runLogs() {
	files, err := logging.ListLogFiles()
	if err != nil {
		log.Fatalf("[CLASP] %v", err)
	}
	if len(files) == 0 {
		fmt.Println("no log files yet")
		return
	}
	for _, f := range files {
		fmt.Println(f)
	}
}

func runCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	days := fs.Int("days", config.DefaultRetentionDays, "retention in days")
	configFlag := fs.String("config", "", "route config file")
	_ = fs.Parse(args)

	settings := config.LoadSettings()
	if *configFlag != "" {
		settings.ConfigPath = *configFlag
	}
	if settings.ConfigPath == "" {
		log.Fatalf("[CLASP] no route config: set CONFIG_PATH or pass -config")
	}

	server, err := proxy.NewServer(settings.ConfigPath, settings.Port, version)
	if err != nil {
		log.Fatalf("[CLASP] %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	deleted, err := server.CleanupLogs(ctx, *days)
	if err != nil {
		log.Fatalf("[CLASP] cleanup: %v", err)
	}
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = server.Shutdown(shutdownCtx)
	fmt.Printf("deleted %d rows\n", deleted)
}
