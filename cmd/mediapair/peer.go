package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mediapair/internal/asset"
	"mediapair/internal/config"
	"mediapair/internal/peer"
)

var pinFlag string

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Connect to a host, browse its library and pull assets",
	}
	cmd.PersistentFlags().StringVar(&pinFlag, "pin", "", "pairing code (prompted for when empty)")
	cmd.AddCommand(pairCmd(), listCmd(), pullCmd())
	return cmd
}

// pairWithHost dials addr and runs the pairing handshake. The person at
// this end types the code shown on the host's screen; wrong entries are
// re-prompted until the host locks the attempt out.
func pairWithHost(ctx context.Context, addr string) (*peer.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	c, err := peer.Dial(ctx, addr, func(text string) { fmt.Println("host:", text) }, newLogger())
	if err != nil {
		return nil, err
	}
	c.OnChallenge(func(string) {
		fmt.Println("that code expired; a new one is on the host's screen")
	})
	if _, err := c.Pair(ctx, cfg.DeviceName); err != nil {
		c.Close()
		return nil, err
	}

	reader := bufio.NewReader(os.Stdin)
	code := pinFlag
	for {
		if code == "" {
			fmt.Print("enter the code shown on the host: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				c.Close()
				return nil, err
			}
			code = strings.TrimSpace(line)
		}
		res, err := c.SubmitPIN(ctx, code)
		if err != nil {
			c.Close()
			return nil, err
		}
		if res.Accepted {
			return c, nil
		}
		if !res.Retryable() {
			c.Close()
			return nil, fmt.Errorf("pairing rejected (%s)", res.Reason)
		}
		code = ""
	}
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <host:port>",
		Short: "Verify the pairing code against a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := pairWithHost(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Disconnect()
			fmt.Println("paired")
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <host:port>",
		Short: "List the host's library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := pairWithHost(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Disconnect()

			list, err := c.ListAssets(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d items (%d photos, %d videos), %s\n",
				list.TotalCount, list.PhotosCount, list.VideosCount, formatBytes(list.TotalSizeBytes))
			for _, a := range list.Assets {
				fmt.Printf("  %-36s  %-10s  %10s  %s\n",
					a.ID, a.Type, formatBytes(a.SizeBytes), a.Filename)
			}
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	var (
		outDir string
		jobs   int
	)
	cmd := &cobra.Command{
		Use:   "pull <host:port> [asset-id...]",
		Short: "Pull full assets from the host",
		Long: "Pull downloads the named assets, or the whole library when no ids\n" +
			"are given. A live photo arrives as two files, still plus motion.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := pairWithHost(ctx, args[0])
			if err != nil {
				return err
			}
			defer c.Disconnect()

			list, err := c.ListAssets(ctx)
			if err != nil {
				return err
			}
			targets, err := selectAssets(list, args[1:])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(jobs)
			for _, md := range targets {
				md := md
				g.Go(func() error { return pullOne(gctx, c, md, outDir) })
			}
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Printf("pulled %d assets to %s\n", len(targets), outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().IntVar(&jobs, "jobs", 4, "concurrent downloads")
	return cmd
}

func selectAssets(list asset.List, ids []string) ([]asset.Metadata, error) {
	if len(ids) == 0 {
		return list.Assets, nil
	}
	byID := make(map[string]asset.Metadata, len(list.Assets))
	for _, a := range list.Assets {
		byID[a.ID] = a
	}
	out := make([]asset.Metadata, 0, len(ids))
	for _, id := range ids {
		md, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("asset %s is not in the host's library", id)
		}
		out = append(out, md)
	}
	return out, nil
}

func pullOne(ctx context.Context, c *peer.Client, md asset.Metadata, outDir string) error {
	data, err := c.FetchFile(ctx, md.ID)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", md.ID, err)
	}
	name := md.Filename
	if name == "" {
		name = md.ID
	}
	dest := filepath.Join(outDir, filepath.Base(name))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("  %s (%s)\n", dest, formatBytes(int64(len(data))))

	if !md.IsLivePhoto {
		return nil
	}
	motion, err := c.FetchMotion(ctx, md.ID)
	if err != nil {
		return fmt.Errorf("fetch motion for %s: %w", md.ID, err)
	}
	motionDest := strings.TrimSuffix(dest, filepath.Ext(dest)) + ".mov"
	if err := os.WriteFile(motionDest, motion, 0o644); err != nil {
		return err
	}
	fmt.Printf("  %s (%s)\n", motionDest, formatBytes(int64(len(motion))))
	return nil
}
