// Command roomchat runs the multi-room chat backend and its admin tasks.
//
//	@title						roomchat API
//	@version					1.0
//	@description				HTTP adjunct of the multi-room chat backend. Live events use /ws.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-roomchat/internal/config"
	"github.com/tbourn/go-roomchat/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var envFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "roomchat",
	Short:         "Multi-room real-time chat backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Optional dotenv file loaded before the environment is read. "+
			"Variables already set in the environment win.")
	rootCmd.AddCommand(serveCmd, keygenCmd, userCmd, tokenCmd)
}

// loadConfig reads the dotenv file, when present, then the environment, and
// installs the global logger.
func loadConfig() (config.Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, nil)
	return cfg, nil
}
