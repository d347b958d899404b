package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/relaybot/internal/app"
	"github.com/stupiduntilnot/relaybot/internal/config"
	"github.com/stupiduntilnot/relaybot/internal/logging"
)

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		log := logging.New(logging.Config{Output: os.Stderr})
		log.Fatal().Err(err).Msg("relaybot stopped")
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	serveCmd := newServeCmd(v)
	cmd := &cobra.Command{
		Use:           "relaybot",
		Short:         "Telegram bot relaying chats to LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}

	cmd.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before reading the environment (optional).")
	cmd.PersistentFlags().String("log-level", "", "Logging level: debug|info|warn|error.")
	cmd.PersistentFlags().Bool("log-pretty", false, "Human-readable console logs.")
	_ = v.BindPFlag("env_file", cmd.PersistentFlags().Lookup("env-file"))
	_ = v.BindPFlag("log_level", cmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log_pretty", cmd.PersistentFlags().Lookup("log-pretty"))

	cmd.AddCommand(serveCmd)
	cmd.AddCommand(newEventsCmd(v))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll Telegram and answer messages (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(v.GetString("env_file")); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: cmd.OutOrStdout()})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().Int("port", 0, "Healthcheck port (overrides PORT).")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("relaybot stopped")
	return nil
}
