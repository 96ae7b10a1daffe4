package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/coldforge/vaultcore/internal/manifest"
	"github.com/coldforge/vaultcore/internal/vaulterr"
)

func TestFetchBlacklistsPeerAfterHashMismatchAcrossCalls(t *testing.T) {
	good := []byte("the real chunk bytes")
	bad := []byte("the wrong chunk bytes!")

	var badRequests atomic.Int64
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badRequests.Add(1)
		w.Write(bad)
	}))
	defer badSrv.Close()
	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(good)
	}))
	defer goodSrv.Close()

	f, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	c := manifest.Chunk{Index: 0, Size: int64(len(good)), Hash: hashHex(good)}
	candidates := []CandidateURL{
		{URL: badSrv.URL, IsPeer: true},
		{URL: goodSrv.URL, IsPeer: true},
	}

	if _, err := f.Fetch(context.Background(), c, candidates); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	if got := badRequests.Load(); got != 1 {
		t.Fatalf("expected the bad peer hit once before blacklisting, got %d", got)
	}

	// A second chunk rebuilds the same peer candidate list (as runJob does
	// per chunk); the blacklisted peer must not be contacted again.
	c2 := manifest.Chunk{Index: 1, Size: int64(len(good)), Hash: hashHex(good)}
	if _, err := f.Fetch(context.Background(), c2, candidates); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if got := badRequests.Load(); got != 1 {
		t.Errorf("expected blacklisted peer to stay unreached, request count = %d", got)
	}
}

func TestFetchRetriesSameCDNURLOnHashMismatch(t *testing.T) {
	good := []byte("the real chunk bytes")
	var attempt atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) < 2 {
			w.Write([]byte("corrupted on first try"))
			return
		}
		w.Write(good)
	}))
	defer srv.Close()

	f, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	c := manifest.Chunk{Index: 0, Size: int64(len(good)), Hash: hashHex(good)}
	got, err := f.Fetch(context.Background(), c, []CandidateURL{{URL: srv.URL, IsPeer: false}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(good) {
		t.Errorf("got %q, want %q", got, good)
	}
	if attempt.Load() < 2 {
		t.Errorf("expected the CDN url to be retried after a hash mismatch, attempts = %d", attempt.Load())
	}
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestBuildCandidatesOrdersPeersFirstAndDedupes(t *testing.T) {
	cands := BuildCandidates(
		[]string{"http://peer1/chunks/abc", "HTTP://PEER1/chunks/abc"},
		"http://cdn/chunks/abc",
		[]string{"http://fallback/chunks/abc"},
	)
	if len(cands) != 3 {
		t.Fatalf("expected 3 deduped candidates, got %d: %+v", len(cands), cands)
	}
	if !cands[0].IsPeer {
		t.Error("expected peer candidate first")
	}
	if cands[1].IsPeer || cands[2].IsPeer {
		t.Error("expected only the peer url marked IsPeer")
	}
}

func TestFetchSucceedsFromFirstCandidate(t *testing.T) {
	data := []byte("chunk payload for fetch test")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	f, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	c := manifest.Chunk{Index: 0, Size: int64(len(data)), Hash: hashHex(data), Compression: manifest.CompressionNone}
	got, err := f.Fetch(context.Background(), c, []CandidateURL{{URL: srv.URL, IsPeer: true}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("got %q, want %q", got, data)
	}
}

func TestFetchFallsThroughOnHashMismatch(t *testing.T) {
	good := []byte("the real chunk bytes")
	bad := []byte("the wrong chunk bytes!")

	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bad)
	}))
	defer badSrv.Close()
	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(good)
	}))
	defer goodSrv.Close()

	f, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	c := manifest.Chunk{Index: 0, Size: int64(len(good)), Hash: hashHex(good)}
	got, err := f.Fetch(context.Background(), c, []CandidateURL{
		{URL: badSrv.URL, IsPeer: true},
		{URL: goodSrv.URL, IsPeer: true},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(good) {
		t.Errorf("got %q, want %q", got, good)
	}
}

func TestFetchReturnsTransientErrorWhenAllCandidatesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	c := manifest.Chunk{Index: 0, Size: 10, Hash: "deadbeef"}
	_, err = f.Fetch(context.Background(), c, []CandidateURL{{URL: srv.URL, IsPeer: true}})
	if err == nil {
		t.Fatal("expected an error when every candidate fails")
	}
	if !vaulterr.Is(err, vaulterr.Transient) {
		t.Fatalf("expected a Transient error, got %v", err)
	}
}

func TestFetchEmitsPressureOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var pressureEvents atomic.Int64
	f, err := New(func(e PressureEvent) { pressureEvents.Add(1) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	c := manifest.Chunk{Index: 0, Size: 10, Hash: "deadbeef"}
	_, _ = f.Fetch(context.Background(), c, []CandidateURL{{URL: srv.URL, IsPeer: true}})

	if pressureEvents.Load() == 0 {
		t.Error("expected at least one pressure event on repeated 500s")
	}
}
