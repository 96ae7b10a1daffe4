// Package peercoord tracks which peers can serve a chunk for a given
// game, ranks them, and maintains this instance's registration with a
// directory service, per spec.md section 4.4.
package peercoord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/coldforge/vaultcore/internal/vlog"
)

// Scope ranks a peer's network reachability; lower sorts first.
type Scope int

const (
	ScopeLAN Scope = iota
	ScopeVPN
	ScopeOther
)

// Candidate is a peer capable of serving chunks for one game.
type Candidate struct {
	PeerID         string
	BaseURLs       []string
	UploadLimitBPS int64
	Scope          Scope
}

const peerListCacheTTL = 20 * time.Second

// Advertise describes what this instance offers to the directory.
type Advertise struct {
	Enabled        bool
	ShareEnabled   bool
	Port           int
	Addresses      []string
	UploadLimitBPS int64
}

// Coordinator registers this instance with a directory service, keeps
// its registration alive via heartbeats, and resolves peer candidates
// for a game, with a short-lived cache per spec.md's 20s TTL.
type Coordinator struct {
	httpClient *http.Client
	directoryURL string
	deviceID   string
	advertise  Advertise

	mu                 sync.Mutex
	peerID             string
	heartbeatIntervalS int64
	peersCache         map[string]cachedPeers

	scheduler      gocron.Scheduler
	heartbeatJobID uuid.UUID
	runCtx         context.Context
}

type cachedPeers struct {
	at    time.Time
	peers []Candidate
}

// New builds a Coordinator. It returns nil, false if advertising is
// disabled, matching the teacher's "no-op when P2P is off" contract.
func New(directoryURL, deviceID string, advertise Advertise, httpClient *http.Client) (*Coordinator, bool) {
	if !advertise.Enabled {
		return nil, false
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Coordinator{
		httpClient:         httpClient,
		directoryURL:       strings.TrimSuffix(directoryURL, "/"),
		deviceID:           deviceID,
		advertise:          advertise,
		heartbeatIntervalS: 20,
		peersCache:         make(map[string]cachedPeers),
	}, true
}

// Start registers with the directory and begins the heartbeat loop. It
// is idempotent: calling it twice has no additional effect.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.scheduler != nil {
		return nil
	}
	c.runCtx = ctx
	if err := c.register(ctx); err != nil {
		vlog.Warn("p2p register failed", "error", err)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("peercoord: new scheduler: %w", err)
	}

	c.mu.Lock()
	interval := c.heartbeatIntervalS
	c.mu.Unlock()

	job, err := s.NewJob(
		gocron.DurationJob(time.Duration(interval)*time.Second),
		gocron.NewTask(c.runHeartbeat),
	)
	if err != nil {
		return fmt.Errorf("peercoord: schedule heartbeat: %w", err)
	}
	c.scheduler = s
	c.heartbeatJobID = job.ID()
	s.Start()
	return nil
}

// runHeartbeat sends one heartbeat and then reschedules itself at the
// interval the directory most recently advertised.
func (c *Coordinator) runHeartbeat() {
	if err := c.heartbeat(c.runCtx); err != nil {
		vlog.Warn("p2p heartbeat failed", "error", err)
		_ = c.register(c.runCtx)
	}
	c.rescheduleHeartbeat()
}

// rescheduleHeartbeat updates the heartbeat job's cadence to the
// server-advertised, clamped interval. Without this the job would run on
// a fixed cadence forever regardless of what register/heartbeat
// responses asked for.
func (c *Coordinator) rescheduleHeartbeat() {
	c.mu.Lock()
	interval := c.heartbeatIntervalS
	jobID := c.heartbeatJobID
	scheduler := c.scheduler
	c.mu.Unlock()
	if scheduler == nil {
		return
	}
	_, err := scheduler.Update(jobID, gocron.DurationJob(time.Duration(interval)*time.Second), gocron.NewTask(c.runHeartbeat))
	if err != nil {
		vlog.Warn("p2p heartbeat reschedule failed", "error", err)
	}
}

// Stop halts the heartbeat loop.
func (c *Coordinator) Stop() error {
	if c.scheduler == nil {
		return nil
	}
	return c.scheduler.Shutdown()
}

func clampInterval(s int64) int64 {
	if s < 8 {
		return 8
	}
	if s > 120 {
		return 120
	}
	return s
}

type registerPayload struct {
	DeviceID       string   `json:"device_id"`
	Port           int      `json:"port"`
	Addresses      []string `json:"addresses"`
	ShareEnabled   bool     `json:"share_enabled"`
	UploadLimitBPS int64    `json:"upload_limit_bps"`
}

type registerResponse struct {
	PeerID             string `json:"peer_id"`
	HeartbeatIntervalS int64  `json:"heartbeat_interval_s"`
}

func (c *Coordinator) register(ctx context.Context) error {
	payload := registerPayload{
		DeviceID:       c.deviceID,
		Port:           c.advertise.Port,
		Addresses:      c.advertise.Addresses,
		ShareEnabled:   c.advertise.ShareEnabled,
		UploadLimitBPS: c.advertise.UploadLimitBPS,
	}
	var resp registerResponse
	if err := c.postJSON(ctx, "/p2p/peers/register", payload, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.peerID = resp.PeerID
	c.heartbeatIntervalS = clampInterval(resp.HeartbeatIntervalS)
	c.mu.Unlock()
	return nil
}

type heartbeatPayload struct {
	PeerID string `json:"peer_id"`
}

type heartbeatResponse struct {
	OK                 bool  `json:"ok"`
	HeartbeatIntervalS int64 `json:"heartbeat_interval_s"`
}

func (c *Coordinator) heartbeat(ctx context.Context) error {
	c.mu.Lock()
	peerID := c.peerID
	c.mu.Unlock()
	if peerID == "" {
		return c.register(ctx)
	}

	var resp heartbeatResponse
	if err := c.postJSON(ctx, "/p2p/peers/heartbeat", heartbeatPayload{PeerID: peerID}, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.heartbeatIntervalS = clampInterval(resp.HeartbeatIntervalS)
	if !resp.OK {
		c.peerID = ""
	}
	c.mu.Unlock()
	return nil
}

type peerListResponse struct {
	Peers []peerOut `json:"peers"`
}

type peerOut struct {
	PeerID         string   `json:"peer_id"`
	Port           int      `json:"port"`
	Addresses      []string `json:"addresses"`
	UploadLimitBPS int64    `json:"upload_limit_bps"`
}

// PeersForGame returns the cached or freshly-fetched peer candidates
// able to serve chunks for gameID.
func (c *Coordinator) PeersForGame(ctx context.Context, gameID string) []Candidate {
	if strings.TrimSpace(gameID) == "" {
		return nil
	}

	c.mu.Lock()
	if cached, ok := c.peersCache[gameID]; ok && time.Since(cached.at) < peerListCacheTTL {
		peers := cached.peers
		c.mu.Unlock()
		return peers
	}
	selfPeerID := c.peerID
	c.mu.Unlock()

	path := "/p2p/peers?game_id=" + url.QueryEscape(gameID)
	if selfPeerID != "" {
		path += "&peer_id=" + url.QueryEscape(selfPeerID)
	}

	var resp peerListResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		vlog.Debug("p2p peers fetch failed", "game_id", gameID, "error", err)
		return nil
	}

	peers := make([]Candidate, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		if cand, ok := peerToCandidate(p); ok {
			peers = append(peers, cand)
		}
	}

	c.mu.Lock()
	c.peersCache[gameID] = cachedPeers{at: time.Now(), peers: peers}
	c.mu.Unlock()
	return peers
}

func (c *Coordinator) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.directoryURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Coordinator) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Coordinator) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peercoord: %s returned %s", req.URL.Path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// BuildChunkPeerURLs ranks peers for chunkHash and returns up to fanout
// peers' chunk URLs, scope-ascending with a blake3 tiebreak, matching
// spec.md section 4.4's ranking rule.
func BuildChunkPeerURLs(chunkHash string, peers []Candidate, fanout int) []string {
	if len(peers) == 0 || strings.TrimSpace(chunkHash) == "" {
		return nil
	}
	if fanout < 1 {
		fanout = 1
	}
	if fanout > 6 {
		fanout = 6
	}
	hash := strings.ToLower(chunkHash)

	type ranked struct {
		peer  Candidate
		score uint64
	}
	scored := make([]ranked, len(peers))
	for i, p := range peers {
		key := hash + ":" + p.PeerID
		digest := blake3.Sum256([]byte(key))
		score := uint64(digest[0]) | uint64(digest[1])<<8 | uint64(digest[2])<<16 | uint64(digest[3])<<24 |
			uint64(digest[4])<<32 | uint64(digest[5])<<40 | uint64(digest[6])<<48 | uint64(digest[7])<<56
		scored[i] = ranked{peer: p, score: score}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].peer.Scope != scored[j].peer.Scope {
			return scored[i].peer.Scope < scored[j].peer.Scope
		}
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].peer.PeerID < scored[j].peer.PeerID
	})

	var urls []string
	for i := 0; i < len(scored) && i < fanout; i++ {
		for _, base := range scored[i].peer.BaseURLs {
			urls = append(urls, strings.TrimSuffix(base, "/")+"/chunks/"+hash)
		}
	}
	return dedupeURLs(urls)
}

func peerToCandidate(p peerOut) (Candidate, bool) {
	if p.Port == 0 {
		return Candidate{}, false
	}
	var baseURLs []string
	bestScope := ScopeOther
	for _, addr := range p.Addresses {
		base, ok := addressToBaseURL(addr, p.Port)
		if !ok {
			continue
		}
		baseURLs = append(baseURLs, base)
		if s := classifyScope(addr); s < bestScope {
			bestScope = s
		}
	}
	if len(baseURLs) == 0 {
		return Candidate{}, false
	}
	return Candidate{
		PeerID:         p.PeerID,
		BaseURLs:       dedupeURLs(baseURLs),
		UploadLimitBPS: p.UploadLimitBPS,
		Scope:          bestScope,
	}, true
}

func addressToBaseURL(address string, port int) (string, bool) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "", false
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", false
		}
		p := u.Port()
		if p == "" {
			p = fmt.Sprintf("%d", port)
		}
		return fmt.Sprintf("%s://%s:%s", u.Scheme, u.Hostname(), p), true
	}
	ip := strings.Trim(trimmed, "[]")
	if ip == "" {
		return "", false
	}
	if strings.Contains(ip, ":") {
		return fmt.Sprintf("http://[%s]:%d", ip, port), true
	}
	return fmt.Sprintf("http://%s:%d", ip, port), true
}

func classifyScope(address string) Scope {
	ip := strings.Trim(strings.TrimSpace(address), "[]")
	parsedV4, ok := parseV4(ip)
	if ok {
		if parsedV4[0] == 127 || isPrivateV4(parsedV4) || isLinkLocalV4(parsedV4) {
			return ScopeLAN
		}
		if isCGNAT(parsedV4) {
			return ScopeVPN
		}
		return ScopeOther
	}
	// IPv6 / unparseable addresses are treated conservatively.
	if strings.HasPrefix(ip, "::1") || strings.HasPrefix(ip, "fe80:") {
		return ScopeLAN
	}
	if strings.HasPrefix(ip, "fc") || strings.HasPrefix(ip, "fd") {
		return ScopeVPN
	}
	return ScopeOther
}

func parseV4(s string) ([4]byte, bool) {
	var out [4]byte
	var parts [4]int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &parts[0], &parts[1], &parts[2], &parts[3])
	if err != nil || n != 4 {
		return out, false
	}
	for i, p := range parts {
		if p < 0 || p > 255 {
			return out, false
		}
		out[i] = byte(p)
	}
	return out, true
}

func isPrivateV4(ip [4]byte) bool {
	switch {
	case ip[0] == 10:
		return true
	case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
		return true
	case ip[0] == 192 && ip[1] == 168:
		return true
	}
	return false
}

func isLinkLocalV4(ip [4]byte) bool {
	return ip[0] == 169 && ip[1] == 254
}

func isCGNAT(ip [4]byte) bool {
	return ip[0] == 100 && ip[1] >= 64 && ip[1] <= 127
}

func dedupeURLs(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		normalized := strings.TrimSpace(item)
		if normalized == "" {
			continue
		}
		key := strings.ToLower(normalized)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, normalized)
	}
	return out
}

// NewPeerID generates a random peer identifier for this instance.
func NewPeerID() string {
	return uuid.NewString()
}
