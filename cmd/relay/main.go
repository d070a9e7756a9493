package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	relaysdk "workrelay/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay orchestrates autonomous development agents",
	Long: `Relay hands messages between agents and keeps a durable record of every hand-off.
- Message: a request from one agent (or the external user) to a role or agent.
- Workflow: the history a message starts; states go created -> dispatched -> awaiting_review -> completed,
  with handoff between reviewers and failed as the other exit.
- Invocation: one run of the agent command in its own workspace, bounded by a deadline.
- Claim: exclusive ownership of a work item; one concurrent claimant wins.
- Feedback routing: review comments become messages for the role their label and path map to.

'relay serve' runs the orchestrator; the other commands talk to it over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory (relay.yml and .relay/)")
	pf.String("server", "http://127.0.0.1:8080", "relay server URL")
	pf.String("base-path", "/v1", "API base path")
	pf.String("agent", "external-user", "agent id to act as (sent as X-Agent-Id)")
	pf.String("token", "", "bearer token; overrides --agent")
	pf.Bool("json", false, "output JSON")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "server", "base-path", "agent", "token", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workflowsCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(claimsCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func setupLogger() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch viper.GetString("log-format") {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("--log-format must be text or json")
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// --- helpers ---

func newClient() *relaysdk.Client {
	c := relaysdk.New(viper.GetString("server"), viper.GetString("agent"))
	c.BasePath = viper.GetString("base-path")
	c.BearerToken = viper.GetString("token")
	return c
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	return writeYAML(os.Stdout, v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var stateColors = map[string]color.Attribute{
	"created":         color.FgWhite,
	"dispatched":      color.FgCyan,
	"awaiting_review": color.FgYellow,
	"handoff":         color.FgMagenta,
	"completed":       color.FgGreen,
	"failed":          color.FgRed,
	"queued":          color.FgWhite,
	"running":         color.FgCyan,
	"succeeded":       color.FgGreen,
	"timed_out":       color.FgRed,
}

func colorState(s string) string {
	attr, ok := stateColors[s]
	if !ok {
		return s
	}
	return color.New(attr).Sprint(s)
}

func printStatus(symbol, message string, attr color.Attribute) {
	fmt.Printf("%s %s\n", color.New(attr).Sprint(symbol), message)
}
