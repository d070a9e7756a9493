package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workrelay/internal/config"
	"workrelay/internal/server"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage relay.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default relay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			path := config.Path(ws)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if projectID == "" {
				abs, err := filepath.Abs(ws)
				if err != nil {
					return err
				}
				projectID = filepath.Base(abs)
			}
			if err := os.MkdirAll(ws, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			printStatus("✓", "wrote "+path, color.FgGreen)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (defaults to the workspace directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config, defaults included",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check relay.yml for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				printStatus("✗", err.Error(), color.FgRed)
				return err
			}
			if cfg.Supervisor.Command == "" {
				printStatus("!", "supervisor.command is empty; submitted work will fail to dispatch", color.FgYellow)
			}
			printStatus("✓", fmt.Sprintf("%s is valid (%d agents)", config.Path(viper.GetString("workspace")), len(cfg.Agents)), color.FgGreen)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <agent>",
		Short: "Sign a bearer token for an agent with the configured jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			subject := args[0]
			if a, ok := cfg.LookupAgent(subject); ok {
				subject = a.ID
			}
			tok, err := server.SignToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"agent_id": subject, "token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}
