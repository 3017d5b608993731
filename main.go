// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/broly1009a/studymate-rtc/internal/app"
	"github.com/broly1009a/studymate-rtc/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("studymate-rtc v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		runPeer(args[1], false)

	case "relay":
		runPeer(args[1], true)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(nodeDirArg string, forceRelay bool) {
	absDir, err := filepath.Abs(nodeDirArg)
	if err != nil {
		log.Fatalf("Invalid node directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Node directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "rtc.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	if forceRelay {
		// Relay mode hosts the hub regardless of what the config file says.
		cfg.Relay.Host = true
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		NodeDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("studymate-rtc - calls and messaging over a relay hub")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  studymate-rtc peer <directory>    Run a client node")
	fmt.Println("  studymate-rtc relay <directory>   Run a node that hosts the relay hub")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a node from the specified directory")
	fmt.Println("        The directory must contain an rtc.json configuration file;")
	fmt.Println("        a default one is created on first run")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run a node with relay hosting forced on, serving the hub")
	fmt.Println("        WebSocket and message store for other nodes")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Host a relay")
	fmt.Println("  studymate-rtc relay ./nodes/server")
	fmt.Println()
	fmt.Println("  # Connect a client node to it")
	fmt.Println("  studymate-rtc peer ./nodes/alice")
}

func printBanner(nodeDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                studymate-rtc node runner               ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Node Directory: %s\n", nodeDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.UserID != "" {
		fmt.Printf("User:           %s (%s)\n", cfg.Identity.UserID, cfg.Identity.DisplayName)
	}
	fmt.Println()

	if cfg.Relay.Host {
		fmt.Println("┌─────────────────────────────────────────────────────┐")
		fmt.Printf("│ RELAY HUB: http://%s:%d\n", cfg.Relay.Bind, cfg.Relay.Port)
		fmt.Println("└─────────────────────────────────────────────────────┘")
		if cfg.Relay.NATSURL != "" {
			fmt.Printf("NATS Bridge:    %s\n", cfg.Relay.NATSURL)
		}
		fmt.Println()
	} else {
		fmt.Printf("Relay:          %s\n", cfg.Relay.URL)
		fmt.Println()
	}

	fmt.Println("Starting node... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
