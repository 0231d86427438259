// Package firehose dials the upstream relay's subscribeRepos endpoint,
// decodes each commit frame, and emits normalized commit events for
// the classifier to consume.
package firehose

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"github.com/primal-host/pushbridge/internal/events"
	"github.com/primal-host/pushbridge/internal/frame"
	"github.com/primal-host/pushbridge/internal/metrics"
)

const (
	maxReconnectAttempts = 10
	initialBackoff       = 1 * time.Second
	maxBackoff           = 60 * time.Second
)

// Op is one normalized record mutation extracted from a commit.
type Op struct {
	Action     string // "create" or "update"; deletes carry no record and are skipped
	Collection string
	RKey       string
	URI        string // at://did/collection/rkey
	Record     *events.Record
}

// CommitEvent is a normalized firehose commit, ready for classification.
type CommitEvent struct {
	DID  string
	Seq  int64
	Time time.Time
	Ops  []Op
}

// Consumer dials the relay and streams normalized commit events.
type Consumer struct {
	url    string
	cursor *CursorStore
	log    *zap.SugaredLogger
	out    chan<- *CommitEvent
}

// NewConsumer creates a Consumer that writes decoded commits to out.
// out should be a bounded channel (capacity 1000) shared with the
// classifier stage.
func NewConsumer(relayURL string, cursor *CursorStore, log *zap.SugaredLogger, out chan<- *CommitEvent) *Consumer {
	return &Consumer{url: relayURL, cursor: cursor, log: log, out: out}
}

// Run connects to the relay and processes frames until ctx is
// cancelled. On a connection error it reconnects with exponential
// backoff (capped at 60s), resuming from the last committed cursor.
// After maxReconnectAttempts consecutive failures it gives up and
// returns an error.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		since, err := c.cursor.Load(ctx)
		if err != nil {
			c.log.Errorw("failed to load cursor, resuming from live edge", "error", err)
			since = 0
		}

		processedAny, err := c.runOnce(ctx, since)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		if processedAny {
			// The connection was healthy for a while before dropping; don't
			// let an old streak of failures make the next attempt wait longer.
			attempt = 0
			backoff = initialBackoff
		}

		attempt++
		metrics.FirehoseReconnects.Inc()
		c.log.Warnw("firehose connection lost, reconnecting", "attempt", attempt, "error", err, "backoff", backoff)

		if attempt >= maxReconnectAttempts {
			return fmt.Errorf("firehose: giving up after %d reconnect attempts: %w", attempt, err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce dials once and processes frames until the connection drops
// or ctx is cancelled. It always returns a non-nil error; Run treats it
// as a connection failure unless ctx was cancelled. processedAny
// reports whether at least one commit was handled on this connection,
// which Run uses to reset its backoff.
func (c *Consumer) runOnce(ctx context.Context, since int64) (processedAny bool, err error) {
	dialURL := c.url
	if since > 0 {
		u, perr := url.Parse(c.url)
		if perr == nil {
			q := u.Query()
			q.Set("cursor", strconv.FormatInt(since, 10))
			u.RawQuery = q.Encode()
			dialURL = u.String()
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return false, fmt.Errorf("firehose: dial %s: %w", dialURL, err)
	}
	defer conn.Close()

	c.log.Infow("firehose connected", "url", dialURL, "cursor", since)

	for {
		_, raw, rerr := conn.ReadMessage()
		if rerr != nil {
			return processedAny, fmt.Errorf("firehose: read message: %w", rerr)
		}

		commit, derr := events.DecodeCommitFrame(raw)
		if derr == events.ErrSkipFrame {
			continue
		}
		if derr != nil {
			c.log.Warnw("failed to decode frame, skipping", "error", derr)
			continue
		}

		evt, perr := c.processCommit(ctx, commit)
		if perr != nil {
			c.log.Warnw("failed to process commit, skipping", "did", commit.Repo, "seq", commit.Seq, "error", perr)
			continue
		}
		if evt != nil {
			select {
			case c.out <- evt:
			case <-ctx.Done():
				return processedAny, ctx.Err()
			}
		}

		if err := c.cursor.Update(ctx, commit.Seq); err != nil {
			c.log.Warnw("failed to persist cursor", "seq", commit.Seq, "error", err)
		}

		processedAny = true
		metrics.EventsProcessed.WithLabelValues("commit").Inc()
	}
}

// processCommit loads the commit's CAR block bundle and decodes every
// create/update op in a collection this bridge understands.
func (c *Consumer) processCommit(ctx context.Context, commit *atproto.SyncSubscribeRepos_Commit) (*CommitEvent, error) {
	if len(commit.Ops) == 0 {
		return nil, nil
	}

	blocks, err := frame.Load(ctx, commit.Blocks)
	if err != nil {
		return nil, fmt.Errorf("load car blocks: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, commit.Time)
	if err != nil {
		ts = time.Now().UTC()
	}

	evt := &CommitEvent{DID: commit.Repo, Seq: commit.Seq, Time: ts}

	for _, repoOp := range commit.Ops {
		if repoOp.Action != "create" && repoOp.Action != "update" {
			continue // deletes carry no record content relevant to notification
		}
		if repoOp.Cid == nil {
			continue
		}

		collection, rkey := splitPath(repoOp.Path)
		if _, ok := events.SupportedKinds[collection]; !ok {
			continue
		}

		blk, err := blocks.Get(ctx, cid.Cid(*repoOp.Cid))
		if err != nil {
			c.log.Debugw("block not found for op, skipping", "did", commit.Repo, "path", repoOp.Path, "error", err)
			continue
		}

		rec, err := events.DecodeRecord(collection, blk.RawData())
		if err != nil || rec == nil {
			continue
		}

		evt.Ops = append(evt.Ops, Op{
			Action:     repoOp.Action,
			Collection: collection,
			RKey:       rkey,
			URI:        fmt.Sprintf("at://%s/%s", commit.Repo, repoOp.Path),
			Record:     rec,
		})
	}

	if len(evt.Ops) == 0 {
		return nil, nil
	}
	return evt, nil
}

func splitPath(path string) (collection, rkey string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
