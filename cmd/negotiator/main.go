// Command negotiator runs the contract negotiation backend.
//
//	negotiator serve    # HTTP API (and, by default, the job worker)
//	negotiator worker   # job worker and outbox sweeper only
//	negotiator migrate  # create or update the schema and exit
//
// Configuration comes from the environment; a .env file is loaded first when
// present.
//
// @title                      Negotiator API
// @version                    1.0
// @description                Voice-first contract negotiation between an offeror and an offeree.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-negotiation-backend/internal/config"
	"github.com/tbourn/go-negotiation-backend/internal/sysutil"
)

var version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:           "negotiator",
	Short:         "AI-assisted contract negotiation backend",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file (variables already set win), loads and
// validates the config, and installs the global logger. The returned func
// closes the rotated log file.
func loadConfig() (config.Config, func() error, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, fmt.Errorf("config: %w", err)
	}
	closeLog := sysutil.InitLogger(cfg.LogLevel, sysutil.LogOutput{
		Pretty:     cfg.LogPretty,
		File:       cfg.LogFile.Path,
		MaxSizeMB:  cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAgeDays: cfg.LogFile.MaxAgeDays,
	})
	return cfg, closeLog, nil
}
