package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coldforge/vaultcore/internal/manifest"
	"github.com/coldforge/vaultcore/internal/scanner"
	"github.com/coldforge/vaultcore/internal/session"
	"github.com/coldforge/vaultcore/internal/vconfig"
)

func newVerifyCmd() *cobra.Command {
	var (
		manifestURL string
		installDir  string
		fix         bool
	)

	cmd := &cobra.Command{
		Use:   "verify <slug>",
		Short: "Verify an installed game's files against its manifest",
		Long: `Hash every file with a declared manifest hash and report missing or
corrupt entries. With --manifest-url and --fix, corrupt or missing
chunks' completion records are invalidated and the install is repaired
by re-running the download pipeline, fetching only what failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := args[0]

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			dir := installDir
			if dir == "" {
				if st, ok, err := e.store.GetDownloadState(slug); err == nil && ok && st.InstallDir != "" {
					dir = st.InstallDir
				} else {
					dir = filepath.Join(e.cfg.InstallRoot, slug)
				}
			}

			m, err := loadInstalledManifest(dir)
			if err != nil {
				return fmt.Errorf("load manifest: %w", err)
			}

			sc := scanner.New(dir, e.cfg.PreScanHashMaxBytes)
			results := sc.ScanFiles(m.Files, scanner.ModeFull, nil)

			var missing, corrupt, ok int
			var failures []scanner.FileResult
			for _, r := range results {
				switch {
				case r.Complete():
					ok++
				case !r.Exists:
					missing++
					failures = append(failures, r)
				default:
					corrupt++
					failures = append(failures, r)
				}
			}

			fmt.Printf("verified %d files: %d ok, %d missing, %d corrupt\n", len(results), ok, missing, corrupt)
			for _, r := range failures {
				fmt.Printf("  %s: missing=%v size_ok=%v hash_ok=%v\n", r.Path, !r.Exists, r.SizeMatches, r.HashMatches)
			}

			if len(failures) == 0 {
				fmt.Printf("%s passed verification\n", slug)
				return nil
			}
			if !fix {
				return fmt.Errorf("%d files failed verification; re-run with --fix and --manifest-url to repair", len(failures))
			}
			if manifestURL == "" {
				return fmt.Errorf("--fix requires --manifest-url to re-fetch corrupt chunks")
			}

			for _, r := range failures {
				f, ok := m.FileByPath(r.Path)
				if !ok {
					continue
				}
				if err := e.store.ClearFileChunks(slug, f.FileID); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to invalidate chunk records for %s: %v\n", r.Path, err)
				}
			}

			fmt.Printf("repairing %d files...\n", len(failures))
			mgr := session.NewManager(e.sessionDeps())
			err = mgr.Run(cmd.Context(), session.Options{
				DownloadID:         slug,
				Slug:               slug,
				ManifestURL:        manifestURL,
				InstallDirOverride: dir,
				Method:             vconfig.MethodCDN,
				BaseConcurrency:    8,
				OnProgress:         printProgress,
			})
			if err != nil {
				return fmt.Errorf("repair failed: %w", err)
			}
			fmt.Printf("%s repaired successfully\n", slug)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestURL, "manifest-url", "", "manifest URL, required with --fix")
	cmd.Flags().StringVar(&installDir, "install-dir", "", "install directory (default: persisted or <install-root>/<slug>)")
	cmd.Flags().BoolVar(&fix, "fix", false, "redownload files that fail verification")

	return cmd
}

// loadInstalledManifest reads the manifest.json an install finalized,
// the durable record of "what this directory is supposed to contain".
func loadInstalledManifest(installDir string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(installDir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest.json: %w", err)
	}
	return &m, nil
}
