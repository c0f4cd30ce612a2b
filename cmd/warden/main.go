package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, stderr)

	if len(args) < 2 {
		return startServer(cfg, stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(cfg, stdout, stderr)
	case "migrate":
		return runMigrateCmd(cfg, stdout, stderr)
	case "infractions":
		return runInfractionsCmd(cfg, args[2:], stdout, stderr)
	case "globalban":
		return runGlobalBanCmd(cfg, args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(cfg, args[2:], stdout, stderr)
	case "confirm":
		return runConfirmCmd(cfg, args[2:], stdout, stderr)
	case "appeal":
		return runAppealCmd(cfg, args[2:], stdout, stderr)
	case "decisions":
		return runDecisionsCmd(cfg, args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(cfg, args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(cfg, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func setupLogging(level string, w io.Writer) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})))
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sWarden%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sAI moderation for community chat.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the moderation engine and admin API (default)")
	printCommand(w, "migrate", "Create or upgrade the database schema")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "MODERATION")
	printCommand(w, "infractions", "List or clear a member's infractions")
	printCommand(w, "globalban", "Add, remove or list global bans")
	printCommand(w, "policy", "Set confirmation modes or check escalation rules")
	printCommand(w, "confirm", "List or resolve pending confirmations")
	printCommand(w, "appeal", "List or resolve appeals")
	printCommand(w, "decisions", "Show recent classifier decisions")

	printSection(w, "UTILITIES")
	printCommand(w, "token", "Issue an API bearer token")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func runHealthCmd(cfg *config.Config, out, errOut io.Writer) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
