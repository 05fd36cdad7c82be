// Xpert Control Plane: builds, publishes and runs agent teams.
//
// It provides:
//   - Team drafts and versioned publishing
//   - Graph compilation of supervisor/worker teams
//   - Streaming chat with nested execution records
//   - Token accounting and checkpointed conversation threads
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xpertai/control-plane/internal/config"
	"github.com/xpertai/control-plane/pkg/server"
)

// version can be overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

const logo = `
 __  __                _
 \ \/ /_ __   ___ _ __| |_
  \  /| '_ \ / _ \ '__| __|
  /  \| |_) |  __/ |  | |_
 /_/\_\ .__/ \___|_|   \__|
      |_|
`

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xpert",
		Short: "Xpert agent-team control plane",
		Long:  color.CyanString(logo) + "\nBuild, publish and chat with teams of LLM agents.",
		RunE:  runServe(new(int)),
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	port := new(int)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control plane",
		RunE:  runServe(port),
	}
	cmd.Flags().IntVarP(port, "port", "p", 0, "listen port (overrides XPERT_PORT)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", color.CyanString("xpert"), version)
		},
	}
}

func runServe(port *int) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if *port > 0 {
			cfg.Port = *port
		}
		if cfg.Version == "" || version != "dev" {
			cfg.Version = version
		}
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}

		fmt.Println(color.CyanString(logo))
		log.Info().Str("version", cfg.Version).Msg("🧠 Xpert Control Plane starting...")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := server.NewWithConfig(ctx, cfg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize server")
			return err
		}

		httpServer := &http.Server{
			Addr:        srv.Addr,
			Handler:     srv.Handler,
			ReadTimeout: 30 * time.Second,
			// Chat streams lift this deadline per request.
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			<-ctx.Done()
			log.Info().Msg("🛑 Shutting down gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("HTTP shutdown incomplete")
			}
		}()

		log.Info().Str("addr", srv.Addr).Msg("🚀 Xpert is ready")

		err = httpServer.ListenAndServe()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("Component shutdown incomplete")
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			return err
		}
		return nil
	}
}
