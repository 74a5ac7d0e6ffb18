package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MrWong99/aoip/internal/app"
	"github.com/MrWong99/aoip/internal/config"
	"github.com/MrWong99/aoip/internal/engine/portaudio"
	"github.com/MrWong99/aoip/internal/observe"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

// version is set at build time via -ldflags.
var version = "dev"

type rootFlags struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:   "aoip",
		Short: "Realtime audio-over-IP bridge",
		Long: `aoip moves fixed-size audio frames between a realtime audio engine and
remote peers over UDP or TCP, one link per peer, one ring per channel.

The realtime callback never blocks: it only exchanges frames with lock-free
rings and reads the Run-Gate. Network goroutines do all socket I/O.

Environment overrides (also read from .env):
  AOIP_LOG_LEVEL      debug|info|warn|error
  AOIP_LISTEN_ADDR    control plane address, empty disables it
  AOIP_GATE_ENABLED   initial Run-Gate state`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadEnv(flags.envFiles...)
		},
	}
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(newRunCmd(), newValidateCmd(), newDevicesCmd())
	return root
}

// ─── run ─────────────────────────────────────────────────────────────────────

func newRunCmd() *cobra.Command {
	var (
		configPath    string
		watch         bool
		watchInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("config file %q not found", configPath)
				}
				return err
			}

			var level slog.LevelVar
			level.Set(cfg.Server.LogLevel.Level())
			logger := newLogger(cmd.ErrOrStderr(), cfg.Server.LogFormat, &level)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			session := uuid.NewString()
			links := make([]string, len(cfg.Links))
			for i, l := range cfg.Links {
				links[i] = l.Name
			}
			shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
				ServiceVersion: version,
				Session:        session,
				Engine:         string(cfg.Audio.Engine),
				Links:          links,
			})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				if err := shutdownOTel(context.Background()); err != nil {
					slog.Warn("telemetry shutdown error", "err", err)
				}
			}()

			slog.Info("aoip starting",
				"config", configPath,
				"engine", cfg.Audio.Engine,
				"links", len(cfg.Links),
				"listen_addr", cfg.Server.ListenAddr,
			)

			opts := []app.Option{app.WithLogger(logger), app.WithLevel(&level), app.WithSession(session)}
			if watch {
				opts = append(opts, app.WithConfigPath(configPath, watchInterval))
			}
			application, err := app.New(ctx, cfg, opts...)
			if err != nil {
				return err
			}

			if watch {
				go reloadOnHangup(ctx, application)
			}
			runErr := application.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := application.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown error", "err", err)
				if runErr == nil {
					runErr = err
				}
			}
			if runErr != nil {
				return runErr
			}
			slog.Info("goodbye")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "aoip.yaml", "path to the YAML configuration file")
	cmd.Flags().BoolVar(&watch, "watch", true, "hot-reload gate and log level when the config file changes or on SIGHUP")
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 5*time.Second, "config file poll interval")
	return cmd
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if !a.Reload() {
				slog.Info("SIGHUP: config unchanged")
			}
		}
	}
}

// newLogger returns a slog logger on w whose level follows level.
func newLogger(w io.Writer, format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ─── validate ────────────────────────────────────────────────────────────────

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print the effective link layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (engine %s, period %d @ %d Hz, gate %t)\n",
				configPath, cfg.Audio.Engine, cfg.Audio.PeriodSize, cfg.Audio.SampleRate, cfg.Gate.Enabled)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LINK\tDIRECTION\tCHANNELS\tTRANSPORT\tFRAMING\tLOCAL\tREMOTE")
			for _, l := range cfg.Links {
				tr := string(l.Transport)
				if l.Stream() {
					tr += "/" + string(l.Role)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					l.Name, l.Direction, l.Channels, tr, l.Framing, orDash(l.LocalAddr), orDash(l.RemoteAddr))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "aoip.yaml", "path to the YAML configuration file")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ─── devices ─────────────────────────────────────────────────────────────────

func newDevicesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the audio devices PortAudio can open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devs, err := portaudio.Devices()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(devs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tNAME\tHOST API\tIN\tOUT\tRATE")
			for _, d := range devs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%g\n",
					d.Index, d.Name, d.HostAPI, d.MaxInputs, d.MaxOutputs, d.DefaultSampleRate)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
