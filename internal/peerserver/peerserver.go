// Package peerserver exposes the chunk cache to other instances on the
// LAN (or VPN overlay), per spec.md section 4.3. It never serves the
// public internet: every request is scope-checked against the caller's
// remote address before the handler runs.
package peerserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/coldforge/vaultcore/internal/depot"
	"github.com/coldforge/vaultcore/internal/vlog"
)

// Scope selects how permissive remote-address checks are.
type Scope string

const (
	ScopeLANOnly Scope = "lan_only"
	ScopeLANVPN  Scope = "lan_vpn"
)

// Server serves GET /health and GET /chunks/{hash} to peers within Scope.
type Server struct {
	PeerID         string
	Scope          Scope
	Depot          *depot.Depot
	UploadLimitBPS int64 // 0 means unlimited

	limiter uploadLimiter

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server. It does not start listening until Serve is called.
func New(peerID string, scope Scope, d *depot.Depot, uploadLimitBPS int64) *Server {
	return &Server{
		PeerID:         peerID,
		Scope:          scope,
		Depot:          d,
		UploadLimitBPS: uploadLimitBPS,
	}
}

// Serve binds to addr (host:port, port 0 picks an ephemeral port) and
// serves until ctx is cancelled. It returns the bound port.
func (s *Server) Serve(ctx context.Context, addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("peerserver: listen %s: %w", addr, err)
	}
	s.listener = ln

	r := mux.NewRouter()
	r.Use(s.scopeMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/chunks/{hash:[0-9a-f]{64}}", s.handleChunk).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeStatus(w, http.StatusNotFound, "unknown endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Wrap the whole router so unmatched paths and methods are
	// scope-checked too, not only the matched routes.
	s.httpServer = &http.Server{Handler: s.scopeMiddleware(r)}

	port := ln.Addr().(*net.TCPAddr).Port
	vlog.Info("peer cache server online", "peer_id", s.PeerID, "port", port, "scope", s.Scope)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return port, err
		}
	default:
	}

	return port, nil
}

func (s *Server) scopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !isAllowedRemote(ip, s.Scope) {
			writeStatus(w, http.StatusForbidden, "peer access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthPayload struct {
	OK      bool   `json:"ok"`
	PeerID  string `json:"peer_id"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(healthPayload{OK: true, PeerID: s.PeerID, Version: "1"})
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(mux.Vars(r)["hash"])

	// Depot.Load needs an expected size; a peer request doesn't carry
	// one, so look the size up from disk first.
	size, found, err := s.Depot.StatSize(hash)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeStatus(w, http.StatusNotFound, "chunk not found")
		return
	}

	bytes, ok, err := s.Depot.Load(hash, size)
	if err != nil || !ok {
		writeStatus(w, http.StatusNotFound, "chunk not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(bytes)))
	w.WriteHeader(http.StatusOK)

	const flushChunk = 64 * 1024
	for off := 0; off < len(bytes); off += flushChunk {
		end := off + flushChunk
		if end > len(bytes) {
			end = len(bytes)
		}
		s.limiter.waitForBudget(int64(end-off), s.UploadLimitBPS)
		if _, err := w.Write(bytes[off:end]); err != nil {
			return
		}
	}
}

func writeStatus(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(message))
}

// uploadLimiter is a simple 1-second rolling window, mirroring the
// throttle package's shape but kept independent: upload budget is a
// per-server policy distinct from the download-side throttler.
type uploadLimiter struct {
	mu        sync.Mutex
	startedAt time.Time
	sentBytes int64
}

func (l *uploadLimiter) waitForBudget(n, maxBPS int64) {
	if maxBPS <= 0 || n <= 0 {
		return
	}
	for {
		var sleepFor time.Duration
		l.mu.Lock()
		if l.startedAt.IsZero() {
			l.startedAt = time.Now()
		}
		if time.Since(l.startedAt) >= time.Second {
			l.startedAt = time.Now()
			l.sentBytes = 0
		}
		// A write larger than the whole budget goes through once the
		// window is empty, as in the throttle package.
		if l.sentBytes+n <= maxBPS || l.sentBytes == 0 {
			l.sentBytes += n
			l.mu.Unlock()
			return
		}
		sleepFor = 25 * time.Millisecond
		l.mu.Unlock()
		time.Sleep(sleepFor)
	}
}

func isAllowedRemote(ip net.IP, scope Scope) bool {
	if ip.IsLoopback() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		if v4.IsPrivate() || v4.IsLinkLocalUnicast() {
			return true
		}
		if scope == ScopeLANVPN && isCGNAT(v4) {
			return true
		}
		return false
	}
	if ip.IsLinkLocalUnicast() {
		return true
	}
	if scope == ScopeLANVPN && isULA(ip) {
		return true
	}
	return false
}

func isCGNAT(v4 net.IP) bool {
	return v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127
}

func isULA(ip net.IP) bool {
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}
