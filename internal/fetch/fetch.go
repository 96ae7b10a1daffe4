// Package fetch downloads one chunk's bytes, trying peers before the
// CDN, decompressing and verifying the result, per spec.md section 4.8.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zstd"

	"github.com/coldforge/vaultcore/internal/manifest"
	"github.com/coldforge/vaultcore/internal/vaulterr"
	"github.com/coldforge/vaultcore/internal/vlog"
)

// PressureEvent is emitted whenever a fetch observes a signal the
// governor should react to (a timeout, a 5xx, a connection reset).
type PressureEvent struct {
	Source string // "peer" or "cdn"
	Err    error
}

// cdnHashRetryAttempts bounds how many times the same CDN URL is
// re-requested when its body fails decompression or hash verification,
// before the fetcher falls through to the next candidate.
const cdnHashRetryAttempts = 3

// Fetcher retrieves chunk bytes from an ordered list of candidate URLs.
type Fetcher struct {
	peerClient *http.Client
	cdnClient  *retryablehttp.Client
	decoder    *zstd.Decoder
	onPressure func(PressureEvent)

	mu               sync.Mutex
	blacklistedHosts map[string]bool // peers that returned corrupt bytes this session
}

// New builds a Fetcher. onPressure may be nil.
func New(onPressure func(PressureEvent)) (*Fetcher, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, "fetch.New", err)
	}

	cdn := retryablehttp.NewClient()
	cdn.RetryMax = 5 // retries after the first request: 6 attempts in all
	cdn.RetryWaitMin = 900 * time.Millisecond
	cdn.RetryWaitMax = 15 * time.Second
	cdn.HTTPClient.Timeout = 60 * time.Second
	cdn.Logger = nil
	cdn.CheckRetry = retryablehttp.DefaultRetryPolicy

	return &Fetcher{
		peerClient:       &http.Client{Timeout: 1200 * time.Millisecond},
		cdnClient:        cdn,
		decoder:          decoder,
		onPressure:       onPressure,
		blacklistedHosts: make(map[string]bool),
	}, nil
}

// CandidateURL is one source to try for a chunk, tagged by origin so
// the fetcher can apply the right retry policy to each.
type CandidateURL struct {
	URL    string
	IsPeer bool
}

// BuildCandidates orders peer URLs (already fanned out and ranked by
// the caller) ahead of the manifest's primary and fallback URLs,
// case-insensitively deduplicated.
func BuildCandidates(peerURLs []string, primary string, fallbacks []string) []CandidateURL {
	var out []CandidateURL
	seen := make(map[string]bool)
	add := func(u string, isPeer bool) {
		key := strings.ToLower(strings.TrimSpace(u))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, CandidateURL{URL: u, IsPeer: isPeer})
	}
	for _, u := range peerURLs {
		add(u, true)
	}
	add(primary, false)
	for _, u := range fallbacks {
		add(u, false)
	}
	return out
}

// Fetch tries each candidate URL in order until one yields a chunk that
// decompresses and hashes correctly, or every candidate is exhausted. A
// peer that returns bytes failing verification is blacklisted for the
// rest of the Fetcher's lifetime, since runJob rebuilds the peer candidate
// list fresh per chunk and would otherwise retry the same bad peer every
// time. A CDN URL that fails verification is retried in place, up to
// cdnHashRetryAttempts, before moving on to the next candidate.
func (f *Fetcher) Fetch(ctx context.Context, c manifest.Chunk, candidates []CandidateURL) ([]byte, error) {
	if len(candidates) == 0 {
		return nil, vaulterr.New(vaulterr.Fatal, "fetch.Fetch", errors.New("no candidate URLs"))
	}

	var lastErr error
	for _, cand := range candidates {
		if cand.IsPeer && f.isBlacklisted(cand.URL) {
			continue
		}

		var (
			decompressed []byte
			err          error
		)
		if cand.IsPeer {
			decompressed, err = f.fetchVerifiedPeer(ctx, cand.URL, c)
		} else {
			decompressed, err = f.fetchVerifiedCDN(ctx, cand.URL, c)
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		return decompressed, nil
	}

	if lastErr == nil {
		lastErr = errors.New("all candidates exhausted")
	}
	return nil, vaulterr.New(vaulterr.Transient, "fetch.Fetch", lastErr)
}

// fetchVerifiedPeer fetches once and, on a verification failure,
// blacklists the peer's host so it is never tried again this session.
func (f *Fetcher) fetchVerifiedPeer(ctx context.Context, url string, c manifest.Chunk) ([]byte, error) {
	raw, err := f.fetchPeer(ctx, url)
	if err != nil {
		return nil, err
	}
	decompressed, err := f.verify(raw, c)
	if err != nil {
		f.blacklistPeer(url)
		return nil, err
	}
	return decompressed, nil
}

// fetchVerifiedCDN re-requests the same URL, up to cdnHashRetryAttempts
// times, whenever the body fails verification, matching spec.md section
// 4.8's "retry this URL up to its attempt limit" rule for CDN sources.
func (f *Fetcher) fetchVerifiedCDN(ctx context.Context, url string, c manifest.Chunk) ([]byte, error) {
	var decompressed []byte
	err := retry.Do(
		func() error {
			raw, err := f.fetchCDN(ctx, url)
			if err != nil {
				// The CDN client already retried transport and HTTP failures.
				return retry.Unrecoverable(err)
			}
			out, err := f.verify(raw, c)
			if err != nil {
				return err
			}
			decompressed = out
			return nil
		},
		retry.Attempts(cdnHashRetryAttempts),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return decompressed, nil
}

// verify decompresses raw chunk bytes and checks them against the
// manifest's declared size and hash.
func (f *Fetcher) verify(raw []byte, c manifest.Chunk) ([]byte, error) {
	decompressed, err := f.decompress(raw, c.Compression)
	if err != nil {
		return nil, vaulterr.New(vaulterr.IntegrityMismatch, "fetch.verify", err)
	}
	if int64(len(decompressed)) != c.Size {
		return nil, vaulterr.New(vaulterr.IntegrityMismatch, "fetch.verify",
			fmt.Errorf("chunk %d: size %d, want %d", c.Index, len(decompressed), c.Size))
	}
	sum := sha256.Sum256(decompressed)
	if hex.EncodeToString(sum[:]) != c.Hash {
		return nil, vaulterr.New(vaulterr.IntegrityMismatch, "fetch.verify",
			fmt.Errorf("chunk %d: hash mismatch", c.Index))
	}
	return decompressed, nil
}

func (f *Fetcher) decompress(raw []byte, compression manifest.Compression) ([]byte, error) {
	if compression != manifest.CompressionZstd {
		return raw, nil
	}
	return f.decoder.DecodeAll(raw, nil)
}

func peerHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func (f *Fetcher) isBlacklisted(peerURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklistedHosts[peerHost(peerURL)]
}

func (f *Fetcher) blacklistPeer(peerURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blacklistedHosts[peerHost(peerURL)] = true
}

// fetchPeer uses a tight retry policy: peers are expected to be fast
// and nearby, so a couple of quick attempts is all that's warranted
// before falling through to the CDN candidates.
func (f *Fetcher) fetchPeer(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := f.peerClient.Do(req)
			if err != nil {
				f.emitPressure("peer", err)
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("peer %s: HTTP %d", url, resp.StatusCode)
				if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
					return retry.Unrecoverable(err)
				}
				if resp.StatusCode >= 500 {
					f.notifyPressure("peer", err)
				}
				return err
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			body = data
			return nil
		},
		retry.Attempts(2),
		retry.Delay(250*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// fetchCDN uses a patient retry policy: the CDN is the source of last
// resort and worth waiting on before giving up on the chunk entirely.
func (f *Fetcher) fetchCDN(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.cdnClient.Do(req)
	if err != nil {
		f.emitPressure("cdn", err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("cdn %s: HTTP %d", url, resp.StatusCode)
		if resp.StatusCode >= 500 {
			f.notifyPressure("cdn", err)
		}
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// emitPressure reports transport-level errors (timeouts, resets) as
// pressure, filtering out errors that don't indicate network strain.
func (f *Fetcher) emitPressure(source string, err error) {
	if f.onPressure == nil || !isNetworkPressure(err) {
		return
	}
	f.onPressure(PressureEvent{Source: source, Err: err})
}

// notifyPressure reports an explicit pressure signal (e.g. a 5xx
// response) regardless of the error's shape.
func (f *Fetcher) notifyPressure(source string, err error) {
	if f.onPressure == nil {
		return
	}
	f.onPressure(PressureEvent{Source: source, Err: err})
}

func isNetworkPressure(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "EOF")
}

// Close releases the fetcher's shared zstd decoder.
func (f *Fetcher) Close() {
	if f.decoder != nil {
		f.decoder.Close()
	}
}
