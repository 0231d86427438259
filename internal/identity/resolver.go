// Package identity resolves AT Protocol DIDs to their current handle,
// through a two-tier cache backed by the PLC directory and did:web.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/primal-host/pushbridge/internal/config"
	"github.com/primal-host/pushbridge/internal/metrics"
)

// didDocument is the subset of a DID document this resolver cares about.
type didDocument struct {
	ID          string   `json:"id"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

type cachedHandle struct {
	handle    string
	expiresAt time.Time
}

// Resolver resolves DIDs to handles with an in-memory cache backed by
// a persistent database tier, falling back to network resolution
// against the PLC directory or did:web when both caches miss.
type Resolver struct {
	plcEndpoint string
	pool        *pgxpool.Pool
	log         *zap.SugaredLogger
	client      *retryablehttp.Client

	mu    sync.RWMutex
	cache map[string]cachedHandle
}

// NewResolver creates a Resolver backed by the given management pool.
func NewResolver(plcEndpoint string, pool *pgxpool.Pool, log *zap.SugaredLogger) *Resolver {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.HTTPClient.Timeout = 10 * time.Second
	client.RetryMax = 2
	client.Logger = nil

	return &Resolver{
		plcEndpoint: plcEndpoint,
		pool:        pool,
		log:         log,
		client:      client,
		cache:       make(map[string]cachedHandle),
	}
}

// GetHandle resolves a single DID, checking the memory cache, then the
// database cache, then the network, in that order. A resolution
// failure falls back to a derived placeholder handle rather than
// propagating an error, since a missing handle should never block
// notification delivery.
func (r *Resolver) GetHandle(ctx context.Context, did string) string {
	if h, ok := r.fromMemory(did); ok {
		metrics.HandleCacheHits.WithLabelValues("memory", "hit").Inc()
		return h
	}
	metrics.HandleCacheHits.WithLabelValues("memory", "miss").Inc()

	if h, ok := r.fromDatabase(ctx, did); ok {
		metrics.HandleCacheHits.WithLabelValues("database", "hit").Inc()
		r.storeMemory(did, h)
		return h
	}
	metrics.HandleCacheHits.WithLabelValues("database", "miss").Inc()

	start := time.Now()
	h, err := r.resolveNetwork(ctx, did)
	metrics.HandleResolutionTime.Observe(time.Since(start).Seconds())
	if err != nil {
		r.log.Debugw("handle resolution failed, using fallback", "did", did, "error", err)
		return fallbackHandle(did)
	}

	r.storeMemory(did, h)
	if err := r.storeDatabase(ctx, did, h); err != nil {
		r.log.Warnw("failed to persist handle cache entry", "did", did, "error", err)
	}
	return h
}

func (r *Resolver) fromMemory(did string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[did]
	if !ok || time.Now().After(c.expiresAt) {
		return "", false
	}
	return c.handle, true
}

func (r *Resolver) storeMemory(did, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[did] = cachedHandle{handle: handle, expiresAt: time.Now().Add(config.HandleCacheTTL)}
}

func (r *Resolver) fromDatabase(ctx context.Context, did string) (string, bool) {
	var handle string
	err := r.pool.QueryRow(ctx,
		`SELECT handle FROM handle_cache WHERE did = $1 AND expires_at > NOW()`, did,
	).Scan(&handle)
	if err != nil {
		return "", false
	}
	return handle, true
}

func (r *Resolver) storeDatabase(ctx context.Context, did, handle string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO handle_cache (did, handle, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET handle = $2, expires_at = $3`,
		did, handle, time.Now().Add(config.HandleCacheTTL))
	return err
}

// resolveNetwork dispatches to did:plc or did:web resolution based on
// the DID's method.
func (r *Resolver) resolveNetwork(ctx context.Context, did string) (string, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return "", fmt.Errorf("identity: parse did %q: %w", did, err)
	}

	var doc *didDocument
	switch {
	case strings.HasPrefix(string(parsed), "did:plc:"):
		doc, err = r.resolvePLC(ctx, did)
	case strings.HasPrefix(string(parsed), "did:web:"):
		doc, err = r.resolveWeb(ctx, did)
	default:
		return "", fmt.Errorf("identity: unsupported did method: %s", did)
	}
	if err != nil {
		return "", err
	}

	return extractHandle(doc, did), nil
}

func (r *Resolver) resolvePLC(ctx context.Context, did string) (*didDocument, error) {
	u := r.plcEndpoint + "/" + did
	return r.fetchDoc(ctx, u)
}

func (r *Resolver) resolveWeb(ctx context.Context, did string) (*didDocument, error) {
	domain := strings.TrimPrefix(did, "did:web:")
	domain = strings.ReplaceAll(domain, ":", "/") // did:web path separators; percent-encoded ports are not decoded
	u := "https://" + domain + "/.well-known/did.json"
	return r.fetchDoc(ctx, u)
}

func (r *Resolver) fetchDoc(ctx context.Context, u string) (*didDocument, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request for %s: %w", u, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("identity: GET %s returned %d: %s", u, resp.StatusCode, string(body))
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("identity: decode did document from %s: %w", u, err)
	}
	return &doc, nil
}

// extractHandle prefers an "at://" prefixed alsoKnownAs entry, falling
// back to a bsky.app profile URL, then a derived placeholder.
func extractHandle(doc *didDocument, did string) string {
	for _, aka := range doc.AlsoKnownAs {
		if h := strings.TrimPrefix(aka, "at://"); h != aka {
			return h
		}
	}
	for _, aka := range doc.AlsoKnownAs {
		if idx := strings.LastIndex(aka, "/profile/"); idx >= 0 {
			return aka[idx+len("/profile/"):]
		}
	}
	return fallbackHandle(did)
}

// fallbackHandle derives a stable placeholder from the DID when a real
// handle cannot be resolved.
func fallbackHandle(did string) string {
	tail := did
	if idx := strings.LastIndexByte(did, ':'); idx >= 0 {
		tail = did[idx+1:]
	}
	if len(tail) > 8 {
		tail = tail[:8]
	}
	return "user_" + tail
}

// CleanupExpired deletes expired rows from the database cache tier.
// Called periodically by the supervisor's maintenance ticker.
func (r *Resolver) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM handle_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("identity: cleanup expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// bulkConcurrency caps how many uncached DIDs are resolved over the
// network at once, so a burst of mentions in one commit can't open an
// unbounded number of outbound PLC/did:web requests.
const bulkConcurrency = 5

// GetHandles resolves a batch of DIDs concurrently, bounded by
// bulkConcurrency. Each result is best-effort: a resolution failure
// yields a fallback handle rather than dropping the DID from the map.
func (r *Resolver) GetHandles(ctx context.Context, dids []string) map[string]string {
	out := make(map[string]string, len(dids))
	var mu sync.Mutex
	sem := make(chan struct{}, bulkConcurrency)
	var wg sync.WaitGroup

	for _, did := range dids {
		wg.Add(1)
		sem <- struct{}{}
		go func(did string) {
			defer wg.Done()
			defer func() { <-sem }()
			h := r.GetHandle(ctx, did)
			mu.Lock()
			out[did] = h
			mu.Unlock()
		}(did)
	}
	wg.Wait()
	return out
}
