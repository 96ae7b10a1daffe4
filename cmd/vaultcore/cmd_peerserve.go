package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coldforge/vaultcore/internal/peerserver"
	"github.com/coldforge/vaultcore/internal/vconfig"
	"github.com/coldforge/vaultcore/internal/vlog"
)

func newPeerServeCmd() *cobra.Command {
	var bindAddr string

	cmd := &cobra.Command{
		Use:   "peer-serve",
		Short: "Serve this depot's chunks to LAN/VPN peers until interrupted",
		Long: `Bind a loopback/LAN-reachable HTTP server exposing GET /health and
GET /chunks/<hash>, gated by the configured peer scope and upload
budget, and keep this instance registered with the peer directory
service so other nodes can discover it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if !e.cfg.PeerShareEnabled {
				return fmt.Errorf("peer_share_enabled is false; nothing to serve")
			}

			scope := peerserver.ScopeLANOnly
			if e.cfg.PeerMode == vconfig.PeerModeLANVPN {
				scope = peerserver.ScopeLANVPN
			}

			e.withPeers()
			peerID := e.deviceID()

			srv := peerserver.New(peerID, scope, e.depot, e.cfg.PeerUploadBPS)

			addr := bindAddr
			if addr == "" {
				addr = fmt.Sprintf("0.0.0.0:%d", e.cfg.PeerPort)
			}

			ctx := cmd.Context()
			if e.peers != nil {
				if err := e.peers.Start(ctx); err != nil {
					vlog.Warn("peer directory registration failed, serving without it", "error", err)
				} else {
					defer e.peers.Stop()
				}
			}

			port, err := srv.Serve(ctx, addr)
			if err != nil {
				return fmt.Errorf("peer-serve: %w", err)
			}
			fmt.Printf("serving depot chunks on port %d (scope=%s)\n", port, scope)

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&bindAddr, "addr", "", "bind address (default: 0.0.0.0:<peer-port>)")
	return cmd
}
