package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thermi/dmakepkg/internal/config"
	"github.com/thermi/dmakepkg/internal/entrypoint"
	"github.com/thermi/dmakepkg/internal/image"
	"github.com/thermi/dmakepkg/internal/launcher"
	"github.com/thermi/dmakepkg/internal/logging"
	"github.com/thermi/dmakepkg/internal/pkgconf"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel
	configPath := config.DefaultPath

	root := &cobra.Command{
		Use:           "dmakepkg",
		Short:         "Build Arch Linux packages inside ephemeral docker containers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Settings file location")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger, &configPath),
		newImageCommand(logger, &configPath),
		newEntrypointCommand(logger, &configPath),
	)
	return root
}

func newBuildCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var (
		hostPacmanConf bool
		hostMirrorlist bool
		noHostCache    bool
		noPump         bool
		noDownloadKeys bool
		inPlace        bool
		fullUpgrade    bool
		command        string
	)

	cmd := &cobra.Command{
		Use:   "build [flags] [-- makepkg args...]",
		Short: "Build the package in the current directory inside a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			request := launcher.NewBuildRequest(settings.NamePrefix)
			request.UseHostPacmanConf = hostPacmanConf
			request.UseHostMirrorlist = hostMirrorlist
			request.UseHostCache = !noHostCache
			request.UsePumpMode = !noPump
			request.DownloadKeys = !noDownloadKeys
			request.BuildInPlace = inPlace
			request.FullUpgrade = fullUpgrade
			request.PostCopyCommand = command
			request.MakepkgArgs = args

			cmdLogger := logger.With("command", "build", "container", request.Name)
			l := &launcher.Launcher{
				Logger:    cmdLogger,
				Settings:  settings,
				Evaluator: &pkgconf.ShellEvaluator{Path: settings.MakepkgConf},
			}

			status := l.Run(cmd.Context(), request)
			if status != 0 {
				os.Exit(status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&hostPacmanConf, "host-pacman-conf", "x", false, "Mount the host package-index configuration into the container")
	cmd.Flags().BoolVarP(&hostMirrorlist, "host-mirrorlist", "m", false, "Mount the host mirror list into the container")
	cmd.Flags().BoolVarP(&noHostCache, "no-host-cache", "C", false, "Do not mount the host package cache")
	cmd.Flags().BoolVarP(&noPump, "no-pump", "y", false, "Never use pump mode, even if pump-capable servers are configured")
	cmd.Flags().BoolVarP(&noDownloadKeys, "no-download-keys", "z", false, "Do not automatically download missing PGP keys")
	cmd.Flags().BoolVarP(&inPlace, "in-place", "Z", false, "Build directly in the source directory instead of a copy")
	cmd.Flags().BoolVarP(&fullUpgrade, "upgrade", "p", false, "Run a full system upgrade before building")
	cmd.Flags().StringVarP(&command, "command", "e", "", "Command to run in the container after the source was copied")

	return cmd
}

func newImageCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var pumpPath string

	cmd := &cobra.Command{
		Use:   "image",
		Short: "Prepare the build image, exposing the package cache while it builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			preparer := &image.Preparer{
				Logger:   logger.With("command", "image"),
				Settings: settings,
				PumpPath: pumpPath,
			}
			return preparer.Prepare(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&pumpPath, "pump-path", "/usr/bin/pump", "Distributed-compilation helper bundled when the cache is disabled")
	return cmd
}

func newEntrypointCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var (
		command        string
		gid            int
		fullUpgrade    bool
		uid            int
		noPump         bool
		inPlace        bool
		noDownloadKeys bool
	)

	cmd := &cobra.Command{
		Use:    "entrypoint",
		Short:  "Run the in-container build pipeline",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			pipeline := &entrypoint.Pipeline{
				Logger: logger.With("command", "entrypoint"),
				Opts: entrypoint.Options{
					PostCopyCommand:  command,
					UID:              uid,
					GID:              gid,
					FullUpgrade:      fullUpgrade,
					UsePumpMode:      !noPump,
					BuildInPlace:     inPlace,
					DownloadKeys:     !noDownloadKeys,
					MakepkgArgs:      args,
					PreserveSymlinks: settings.PreserveSymlinks,
				},
				Evaluator: &pkgconf.ShellEvaluator{Path: settings.MakepkgConf},
			}

			status := pipeline.Run(cmd.Context())
			if status != 0 {
				os.Exit(status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&command, "command", "e", "", "Command to run after the source directory was copied")
	cmd.Flags().IntVarP(&gid, "gid", "g", -1, "GID to own any created package (ignored unless a UID is also provided)")
	cmd.Flags().BoolVarP(&fullUpgrade, "upgrade", "p", false, "Run a full system upgrade before building")
	cmd.Flags().IntVarP(&uid, "uid", "u", -1, "UID to own any created package")
	cmd.Flags().BoolVarP(&noPump, "no-pump", "y", false, "Do not use pump mode")
	cmd.Flags().BoolVarP(&inPlace, "in-place", "Z", false, "Do not copy the source files; build in the directory directly")
	cmd.Flags().BoolVarP(&noDownloadKeys, "no-download-keys", "z", false, "Do not automatically download missing PGP keys")

	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch value {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warning", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", value)
	}
}
