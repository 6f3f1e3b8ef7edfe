// Command server runs the conversation backend: an HTTP API that keeps
// per-user conversations and answers questions over REST, SSE and WebSocket.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-conversation-backend/internal/config"
	"github.com/tbourn/go-conversation-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version string

type rootFlags struct {
	EnvFiles []string
	LogLevel string
}

// app is what every subcommand receives once the root pre-run has loaded it.
type app struct {
	cfg config.Config
}

func newRootCommand() *cobra.Command {
	f := &rootFlags{}
	a := &app{}

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Conversation backend: lifecycle-managed chats answered over REST, SSE and WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			a.cfg = cfg
			sysutil.SetupLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, cfg.Env)
			return nil
		},
	}

	cmd.PersistentFlags().StringSliceVar(&f.EnvFiles, "env-file", []string{".env"},
		"dotenv files loaded before reading the environment (missing files are skipped)")
	cmd.PersistentFlags().StringVar(&f.LogLevel, "log-level", "",
		"overrides LOG_LEVEL (trace,debug,info,warn,error)")

	cmd.AddCommand(newServeCommand(a), newMigrateCommand(a), newPurgeCommand(a))
	return cmd
}

// loadConfig reads the dotenv files, then the environment. Variables already
// set in the process win over dotenv values.
func loadConfig(f *rootFlags) (config.Config, error) {
	for _, p := range f.EnvFiles {
		if err := godotenv.Load(p); err != nil {
			log.Debug().Err(err).Str("file", p).Msg("dotenv file not loaded")
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	cfg.Version = sysutil.FirstNonEmpty(version, cfg.Version)
	return cfg, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
