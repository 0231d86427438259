package events

import (
	"bytes"
	"fmt"
	"io"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	indigoevents "github.com/bluesky-social/indigo/events"
)

// ErrSkipFrame marks a frame that decoded successfully but carries no
// commit to process (e.g. "#info" housekeeping frames).
var ErrSkipFrame = fmt.Errorf("events: frame has no commit payload")

// DecodeCommitFrame parses a single firehose WebSocket frame — CBOR
// header followed by CBOR payload — and returns the commit when the
// frame is a "#commit" message. Any other message type (#info, #handle,
// #identity, #account, #tombstone) returns ErrSkipFrame so the caller
// can log and continue without treating it as fatal.
func DecodeCommitFrame(raw []byte) (*atproto.SyncSubscribeRepos_Commit, error) {
	r := bytes.NewReader(raw)

	var header indigoevents.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("events: decode frame header: %w", err)
	}

	if header.Op == indigoevents.EvtKindErrorFrame {
		var errFrame indigoevents.ErrorFrame
		if err := errFrame.UnmarshalCBOR(r); err != nil {
			return nil, fmt.Errorf("events: decode error frame: %w", err)
		}
		return nil, fmt.Errorf("events: relay sent error frame: %s: %s", errFrame.Error, errFrame.Message)
	}

	if header.MsgType != "#commit" {
		return nil, ErrSkipFrame
	}

	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("events: decode commit payload: %w", err)
	}
	return &commit, nil
}

// ReadAllBlock returns every remaining byte of r. No code path calls
// it; the consumer reads whole WebSocket messages at once.
func ReadAllBlock(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
