// Command domlens-agent is a terminal stand-in for the browser agent. It
// connects to the hub, reports a CSS selector for each line read from stdin,
// and prints the hub's confirmations.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/domlens/domlens/agent"
	"github.com/domlens/domlens/pkg/protocol"
)

var version = "dev"

func main() {
	hubURL := flag.String("url", "ws://localhost:8080/ws", "hub WebSocket URL")
	userID := flag.String("user", "", "user id to connect as")
	token := flag.String("token", "", "bearer token (when the hub requires auth)")
	pageURL := flag.String("page", "", "page URL attached to reported elements")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("domlens-agent", version)
		os.Exit(0)
	}

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "error: -user is required")
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	client := agent.NewClient(agent.Options{
		URL:       *hubURL,
		UserID:    *userID,
		Token:     *token,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		OnConfirmed: func(conf protocol.ElementSelectedConfirmed) {
			fmt.Printf("confirmed %s (session %s)\n", conf.Selector, conf.SessionID)
		},
		OnServerError: func(report protocol.ErrorReport) {
			fmt.Fprintf(os.Stderr, "hub error: %s: %s\n", report.Code, report.Message)
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		_ = client.Close()
		cancel()
	}()

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("client stopped", "error", err)
			cancel()
		}
	}()

	fmt.Println("enter a CSS selector per line to report it:")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		selector := strings.TrimSpace(scanner.Text())
		if selector == "" {
			continue
		}
		if err := client.ReportElement(protocol.ElementData{
			Selector: selector,
			PageURL:  *pageURL,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "report failed: %v\n", err)
		}
	}

	_ = client.Close()
}
