// Command mediapair pairs two devices on a local network: a host that
// serves its media library and a peer that browses and pulls from it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mediapair/internal/asset"
	"mediapair/internal/config"
	"mediapair/internal/session"
	"mediapair/internal/version"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "mediapair",
		Short: "Share a media library with one paired device on the LAN",
		Long: "mediapair serves a local media library to one paired peer at a\n" +
			"time over a private TCP link, guarded by a short pairing code.",
		Version:       fmt.Sprintf("%s (%s)", version.VERSION, version.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(hostCmd(), peerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func hostCmd() *cobra.Command {
	var (
		library string
		port    int
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Serve the local media library to a paired peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if library != "" {
				cfg.LibraryDir = library
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			log := newLogger()
			store, err := asset.NewDirStore(cfg.LibraryDir, log)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			var h *session.Host
			seen := false
			var last session.State
			var lastCode string
			h = session.NewHost(session.Config{
				Port:         cfg.Port,
				PinTimeout:   cfg.PinTimeout(),
				CacheEntries: cfg.CacheMaxEntries,
				CacheBytes:   cfg.CacheMaxBytes,
			}, store, func(s session.Status) {
				// A reissued code keeps the state in AwaitingPIN, so the
				// code is part of what counts as a change.
				code := h.PinCode()
				if seen && s.State == last && code == lastCode {
					return
				}
				seen, last, lastCode = true, s.State, code
				printStatus(h, s)
			}, log)

			go func() {
				<-h.Ready
				fmt.Printf("%s listening on port %d\n", cfg.DeviceName, h.Port)
			}()
			return h.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&library, "library", "", "media library directory (overrides config)")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "listen port (overrides config)")
	return cmd
}

// printStatus renders session transitions for the person running the
// host. The pairing code appears only here, on their terminal.
func printStatus(h *session.Host, s session.Status) {
	switch s.State {
	case session.StateSearching:
		fmt.Println("waiting for a peer to connect...")
	case session.StateAwaitingPIN:
		fmt.Printf("%q wants to pair. code: %s (%ds to enter it)\n",
			s.PeerName, h.PinCode(), h.PinRemaining())
	case session.StateConnected:
		fmt.Printf("paired with %q\n", s.PeerName)
	case session.StateReady:
		fmt.Printf("sharing %d items (%d photos, %d videos, %s)\n",
			s.TotalCount, s.PhotosCount, s.VideosCount, formatBytes(s.TotalSizeBytes))
	case session.StateError:
		fmt.Printf("session error: %s\n", s.ErrorMessage)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
