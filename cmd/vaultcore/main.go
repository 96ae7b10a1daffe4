// Command vaultcore drives the download engine from the shell: install,
// verify, garbage-collect the depot cache, or serve chunks to peers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coldforge/vaultcore/internal/vlog"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nreceived interrupt, shutting down gracefully (ctrl-c again to force-cancel)...")
		cancel()
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nforce-cancelling...")
		os.Exit(130)
	}()

	rootCmd := &cobra.Command{
		Use:   "vaultcore",
		Short: "Resumable, chunked, content-addressed game install engine",
		Long: `vaultcore materializes a remote game install described by a signed
manifest into a local directory: concurrent chunk fetching with CDN
failover and peer assist, a shared content-addressed depot cache,
integrity verification, and crash-safe resumable progress.`,
	}
	rootCmd.PersistentFlags().String("depot-root", "", "override the depot cache root directory")
	rootCmd.PersistentFlags().String("install-root", "", "override the default parent directory for installs")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			vlog.SetLevel(vlog.LevelDebug)
		}
	}

	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newGCCmd())
	rootCmd.AddCommand(newPeerServeCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
