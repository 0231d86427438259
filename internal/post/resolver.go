package post

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/primal-host/pushbridge/internal/config"
	"github.com/primal-host/pushbridge/internal/metrics"
)

const (
	batchWindow    = 50 * time.Millisecond
	batchMaxSize   = 25
	waiterTimeout  = 150 * time.Millisecond
	unavailableMsg = "Content temporarily unavailable"
)

type cachedPost struct {
	text      string
	expiresAt time.Time
}

// pendingRequest is one caller's outstanding request for a URI's text,
// parked until the batch worker's next drain.
type pendingRequest struct {
	result chan string
}

// Resolver resolves post AT-URIs to truncated text, coalescing
// concurrent requests into batched getPosts calls and tripping a
// circuit breaker when the upstream AppView is unhealthy.
type Resolver struct {
	serviceURL string
	pool       *pgxpool.Pool
	log        *zap.SugaredLogger
	client     *retryablehttp.Client
	breaker    *CircuitBreaker

	memMu sync.RWMutex
	mem   map[string]cachedPost

	queueMu sync.Mutex
	queue   map[string][]pendingRequest

	wake chan struct{}
}

// NewResolver creates a Resolver and starts its background batch
// worker. The worker stops when ctx is cancelled.
func NewResolver(ctx context.Context, serviceURL string, pool *pgxpool.Pool, log *zap.SugaredLogger) *Resolver {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.HTTPClient.Timeout = 10 * time.Second
	client.RetryMax = 2
	client.Logger = nil

	r := &Resolver{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		pool:       pool,
		log:        log,
		client:     client,
		breaker:    NewCircuitBreaker(),
		mem:        make(map[string]cachedPost),
		queue:      make(map[string][]pendingRequest),
		wake:       make(chan struct{}, 1),
	}
	go r.runBatchWorker(ctx)
	return r
}

// GetPostText resolves a post's truncated text, preferring the memory
// cache, then the database cache, then a coalesced network fetch. If
// the coalesced fetch doesn't complete within waiterTimeout, it falls
// back to an individual fetch so one slow batch never blocks a caller
// indefinitely.
func (r *Resolver) GetPostText(ctx context.Context, uri string) string {
	if text, ok := r.fromMemory(uri); ok {
		metrics.PostCacheHits.WithLabelValues("memory", "hit").Inc()
		return text
	}
	metrics.PostCacheHits.WithLabelValues("memory", "miss").Inc()

	if text, ok := r.fromDatabase(ctx, uri); ok {
		metrics.PostCacheHits.WithLabelValues("database", "hit").Inc()
		r.storeMemory(uri, text)
		return text
	}
	metrics.PostCacheHits.WithLabelValues("database", "miss").Inc()

	result := r.enqueue(uri)
	select {
	case text := <-result:
		return text
	case <-time.After(waiterTimeout):
		text, err := r.fetchIndividual(ctx, uri)
		if err != nil {
			r.log.Debugw("individual post fetch failed", "uri", uri, "error", err)
			return unavailableMsg
		}
		r.cacheResult(ctx, uri, text)
		return text
	case <-ctx.Done():
		return unavailableMsg
	}
}

func (r *Resolver) fromMemory(uri string) (string, bool) {
	r.memMu.RLock()
	defer r.memMu.RUnlock()
	c, ok := r.mem[uri]
	if !ok || time.Now().After(c.expiresAt) {
		return "", false
	}
	return c.text, true
}

func (r *Resolver) storeMemory(uri, text string) {
	r.memMu.Lock()
	defer r.memMu.Unlock()
	r.mem[uri] = cachedPost{text: text, expiresAt: time.Now().Add(config.PostCacheTTL)}
}

func (r *Resolver) fromDatabase(ctx context.Context, uri string) (string, bool) {
	var text string
	err := r.pool.QueryRow(ctx,
		`SELECT text FROM post_cache WHERE uri = $1 AND expires_at > NOW()`, uri,
	).Scan(&text)
	if err != nil {
		return "", false
	}
	return text, true
}

func (r *Resolver) storeDatabase(ctx context.Context, uri, text string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO post_cache (uri, text, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (uri) DO UPDATE SET text = $2, expires_at = $3`,
		uri, text, time.Now().Add(config.PostCacheTTL))
	return err
}

func (r *Resolver) cacheResult(ctx context.Context, uri, text string) {
	r.storeMemory(uri, text)
	if err := r.storeDatabase(ctx, uri, text); err != nil {
		r.log.Warnw("failed to persist post cache entry", "uri", uri, "error", err)
	}
}

func (r *Resolver) enqueue(uri string) <-chan string {
	result := make(chan string, 1)
	r.queueMu.Lock()
	r.queue[uri] = append(r.queue[uri], pendingRequest{result: result})
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return result
}

// runBatchWorker drains the pending-request queue on a 50ms tick (or
// immediately on wake), dispatching up to batchMaxSize URIs per fetch.
func (r *Resolver) runBatchWorker(ctx context.Context) {
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
		r.drainBatch(ctx)
	}
}

func (r *Resolver) drainBatch(ctx context.Context) {
	r.queueMu.Lock()
	if len(r.queue) == 0 {
		r.queueMu.Unlock()
		return
	}

	uris := make([]string, 0, batchMaxSize)
	waiters := make(map[string][]pendingRequest, batchMaxSize)
	for uri, reqs := range r.queue {
		uris = append(uris, uri)
		waiters[uri] = reqs
		delete(r.queue, uri)
		if len(uris) >= batchMaxSize {
			break
		}
	}
	r.queueMu.Unlock()

	metrics.PostBatchSize.Observe(float64(len(uris)))

	results, err := r.fetchBatch(ctx, uris)
	if err != nil {
		r.log.Warnw("batch post fetch failed, falling back to individual fetches", "count", len(uris), "error", err)
		for _, uri := range uris {
			text, ferr := r.fetchIndividual(ctx, uri)
			if ferr != nil {
				text = unavailableMsg
			} else {
				r.cacheResult(ctx, uri, text)
			}
			deliver(waiters[uri], text)
		}
		return
	}

	for _, uri := range uris {
		text, ok := results[uri]
		if !ok {
			// Missing from the batch response (e.g. deleted since the
			// commit was observed); fall back to an individual fetch.
			var ferr error
			text, ferr = r.fetchIndividual(ctx, uri)
			if ferr != nil {
				text = unavailableMsg
			}
		}
		r.cacheResult(ctx, uri, text)
		deliver(waiters[uri], text)
	}
}

func deliver(waiters []pendingRequest, text string) {
	for _, w := range waiters {
		select {
		case w.result <- text:
		default:
		}
	}
}

type postsResponse struct {
	Posts []struct {
		URI    string `json:"uri"`
		Record struct {
			Text string `json:"text"`
		} `json:"record"`
	} `json:"posts"`
}

func (r *Resolver) fetchBatch(ctx context.Context, uris []string) (map[string]string, error) {
	if !r.breaker.Allow() {
		return nil, fmt.Errorf("post: circuit breaker open")
	}

	start := time.Now()
	q := url.Values{}
	for _, u := range uris {
		q.Add("uris", u)
	}
	reqURL := r.serviceURL + "/xrpc/app.bsky.feed.getPosts?" + q.Encode()

	resp, err := r.doGet(ctx, reqURL)
	metrics.PostFetchTime.Observe(time.Since(start).Seconds())
	metrics.PostBatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		r.breaker.RecordFailure()
		return nil, err
	}
	r.breaker.RecordSuccess()

	out := make(map[string]string, len(resp.Posts))
	for _, p := range resp.Posts {
		out[p.URI] = truncate(p.Record.Text)
	}
	return out, nil
}

func (r *Resolver) fetchIndividual(ctx context.Context, uri string) (string, error) {
	if !r.breaker.Allow() {
		return "", fmt.Errorf("post: circuit breaker open")
	}

	start := time.Now()
	q := url.Values{}
	q.Add("uris", uri)
	reqURL := r.serviceURL + "/xrpc/app.bsky.feed.getPosts?" + q.Encode()

	resp, err := r.doGet(ctx, reqURL)
	metrics.PostFetchTime.Observe(time.Since(start).Seconds())
	if err != nil {
		r.breaker.RecordFailure()
		return "", err
	}
	r.breaker.RecordSuccess()

	for _, p := range resp.Posts {
		if p.URI == uri {
			return truncate(p.Record.Text), nil
		}
	}
	return "", fmt.Errorf("post: %s not found in response", uri)
}

func (r *Resolver) doGet(ctx context.Context, reqURL string) (*postsResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("post: build request: %w", err)
	}

	httpResp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: GET %s: %w", reqURL, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post: GET %s returned %d", reqURL, httpResp.StatusCode)
	}

	var resp postsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("post: decode response: %w", err)
	}
	return &resp, nil
}

// truncate shortens post text to 140 characters, matching the
// notification body length AppView clients expect.
func truncate(text string) string {
	const maxLen = 140
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen-3]) + "..."
}

// CleanupExpired deletes expired rows from the database cache tier.
func (r *Resolver) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM post_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("post: cleanup expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BreakerState reports the circuit breaker's current state for metrics.
func (r *Resolver) BreakerState() float64 {
	return r.breaker.StateValue()
}
