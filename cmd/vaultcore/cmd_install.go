package main

import (
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"github.com/spf13/cobra"

	"github.com/coldforge/vaultcore/internal/session"
	"github.com/coldforge/vaultcore/internal/vconfig"
)

func newInstallCmd() *cobra.Command {
	var (
		manifestURL string
		gameID      string
		installDir  string
		method      string
		workers     int
		noPeer      bool
		downloadID  string
	)

	cmd := &cobra.Command{
		Use:   "install <slug>",
		Short: "Install or resume a game from its manifest",
		Long: `Install a game described by a signed manifest into the local install
directory. Re-running install for a slug that already has an in-progress
or completed session resumes it: only chunks still missing their
completion record (or whose .part file is too short) are fetched again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := args[0]
			if manifestURL == "" {
				return fmt.Errorf("--manifest-url is required")
			}

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			if !noPeer {
				e.withPeers()
				if e.peers != nil {
					if err := e.peers.Start(cmd.Context()); err != nil {
						fmt.Fprintf(os.Stderr, "warning: peer directory registration failed: %v\n", err)
					} else {
						defer e.peers.Stop()
					}
				}
			}

			id := downloadID
			if id == "" {
				id = slug
			}

			mgr := session.NewManager(e.sessionDeps())

			opts := session.Options{
				DownloadID:         id,
				GameID:             gameID,
				Slug:               slug,
				ManifestURL:        manifestURL,
				InstallDirOverride: installDir,
				Method:             vconfig.DownloadMethod(method),
				BaseConcurrency:    workers,
				OnProgress:         printProgress,
			}

			err = mgr.Run(cmd.Context(), opts)
			if err != nil {
				if cmd.Context().Err() != nil {
					fmt.Println("\npaused; re-run install to resume")
					return nil
				}
				return fmt.Errorf("install failed: %w", err)
			}

			fmt.Printf("%s installed successfully\n", slug)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestURL, "manifest-url", "", "URL of the signed build manifest (required)")
	cmd.Flags().StringVar(&gameID, "game-id", "", "game id, recorded alongside the session")
	cmd.Flags().StringVar(&installDir, "install-dir", "", "exact install path (default: <install-root>/<slug>)")
	cmd.Flags().StringVar(&method, "method", "auto", "download method: auto, max_speed, balance, cdn")
	cmd.Flags().IntVar(&workers, "workers", 8, "base concurrency; the adaptive governor scales from this")
	cmd.Flags().BoolVar(&noPeer, "no-peer", false, "disable peer-assisted chunk fetching for this run")
	cmd.Flags().StringVar(&downloadID, "download-id", "", "override the session id (default: the slug)")

	return cmd
}

func printProgress(s session.Snapshot) {
	fmt.Printf("\r%-12s %6.2f%%  %s/%s  %s/s  eta %ds   ",
		s.Status,
		s.Percent,
		bytesize.New(float64(s.Downloaded)),
		bytesize.New(float64(s.Total)),
		bytesize.New(s.SpeedBPS),
		s.ETASeconds,
	)
	if s.Status == session.StatusCompleted || s.Status == session.StatusFailed || s.Status == session.StatusCancelled {
		fmt.Println()
	}
}
