package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/blds"
	"pkt.systems/blds/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BLDS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "blds")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg blds.Config

	cmd := &cobra.Command{
		Use:           "blds",
		Short:         "blds multiplexes a live biological sample stream to clients and records it to disk",
		SilenceErrors: true,
		Example: `
  # listen on the default client/status ports with up to 32 clients
  blds

  # restrict to 8 simultaneous clients on a non-default port
  blds --listen :9341 --max-clients 8
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			if path := viper.GetString("config"); path != "" {
				viper.SetConfigFile(path)
				if err := viper.ReadInConfig(); err != nil {
					cliLogger.Warn("config file not loaded; using flag, env and default values", "path", path, "error", err)
				}
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := viper.GetString("log-level")
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"starting blds",
				"pid", os.Getpid(),
				"listen", cfg.ListenAddr,
				"status", cfg.StatusAddr,
				"max_clients", cfg.MaxClients,
			)

			server, err := blds.NewServer(cfg, blds.WithLogger(logger))
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("listen", blds.DefaultListenAddr, "client-facing listen address (length-prefixed binary protocol)")
	flags.String("listen-proto", blds.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.String("status-listen", blds.DefaultStatusAddr, "HTTP status/metrics listen address")
	flags.Int("max-clients", blds.DefaultMaxClients, "maximum simultaneous client connections, "+humanize.Comma(int64(blds.DefaultMaxClients))+" by default (0 disables the cap)")
	flags.Float64("max-chunk-size-s", 10.0, "maximum get-data request duration in seconds")
	flags.Int("guard-failure-threshold", 8, "suspicious-connection failures before an IP is temporarily blocked (0 disables the guard)")
	flags.Float64("guard-failure-window-s", 10, "window in seconds over which guard failures are counted")
	flags.Float64("guard-block-duration-s", 300, "duration in seconds an IP stays blocked once the guard engages")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("config", "", "optional YAML config file")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("BLDS")
	viper.AutomaticEnv()

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *blds.Config) error {
	cfg.ListenAddr = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.StatusAddr = viper.GetString("status-listen")
	cfg.MaxClients = viper.GetInt("max-clients")
	cfg.MaxChunkSizeS = viper.GetFloat64("max-chunk-size-s")
	cfg.GuardFailureThreshold = viper.GetInt("guard-failure-threshold")
	cfg.GuardFailureWindowS = viper.GetFloat64("guard-failure-window-s")
	cfg.GuardBlockDurationS = viper.GetFloat64("guard-block-duration-s")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func main() {
	os.Exit(submain(context.Background()))
}
