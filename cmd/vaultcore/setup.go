package main

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coldforge/vaultcore/internal/depot"
	"github.com/coldforge/vaultcore/internal/peercoord"
	"github.com/coldforge/vaultcore/internal/session"
	"github.com/coldforge/vaultcore/internal/store"
	"github.com/coldforge/vaultcore/internal/throttle"
	"github.com/coldforge/vaultcore/internal/vconfig"
)

// env bundles the shared collaborators every subcommand wires into a
// session.Manager or uses standalone (gc, peer-serve).
type env struct {
	cfg       *vconfig.Config
	store     *store.Store
	depot     *depot.Depot
	throttler *throttle.Throttler
	peers     *peercoord.Coordinator // nil when disabled
}

func (e *env) Close() {
	if e.throttler != nil {
		e.throttler.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

// loadEnv resolves configuration and opens the store/depot/throttler,
// applying any root-flag overrides. Callers must e.Close() when done.
func loadEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := vconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("install-root"); v != "" {
		cfg.InstallRoot = v
	}
	if v, _ := cmd.Flags().GetString("depot-root"); v != "" {
		cfg.DepotRoot = v
	}

	dbPath, err := vconfig.StorePath()
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d, err := depot.New(cfg.DepotRoot, cfg.DepotMaxBytes)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open depot: %w", err)
	}

	th := throttle.New(cfg.BandwidthMaxBPS)

	e := &env{cfg: cfg, store: st, depot: d, throttler: th}
	return e, nil
}

// withPeers attaches a peercoord.Coordinator when P2P is enabled and a
// directory URL is configured; otherwise e.peers stays nil and callers
// fall back to CDN-only fetching.
func (e *env) withPeers() {
	if !e.cfg.PeerEnabled || e.cfg.PeerDirectoryURL == "" {
		return
	}
	deviceID := e.deviceID()
	advertise := peercoord.Advertise{
		Enabled:        true,
		ShareEnabled:   e.cfg.PeerShareEnabled,
		Port:           e.cfg.PeerPort,
		Addresses:      localAddresses(),
		UploadLimitBPS: e.cfg.PeerUploadBPS,
	}
	coord, ok := peercoord.New(e.cfg.PeerDirectoryURL, deviceID, advertise, &http.Client{Timeout: 10 * time.Second})
	if ok {
		e.peers = coord
	}
}

// deviceID returns this machine's stable peer-directory identity,
// minting and persisting one on first use.
func (e *env) deviceID() string {
	var id string
	if ok, err := e.store.GetSetting("device_id", &id); err == nil && ok && id != "" {
		return id
	}
	id = uuid.New().String()
	_ = e.store.SetSetting("device_id", id)
	return id
}

// sessionDeps adapts env into the shared collaborators session.Manager
// expects.
func (e *env) sessionDeps() session.Deps {
	return session.Deps{
		Store:     e.store,
		Depot:     e.depot,
		Throttler: e.throttler,
		Peers:     e.peers,
		Config:    e.cfg,
	}
}

// localAddresses enumerates this host's non-loopback IP addresses, for
// advertising reachable base URLs to the peer directory service.
func localAddresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out
}
