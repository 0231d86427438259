package events

import "testing"

func TestDIDFromURI(t *testing.T) {
	got := DIDFromURI("at://did:plc:abc123/app.bsky.feed.post/xyz")
	if got != "did:plc:abc123" {
		t.Errorf("expected did:plc:abc123, got %s", got)
	}
}

func TestDIDFromURINoPath(t *testing.T) {
	got := DIDFromURI("at://did:plc:abc123")
	if got != "did:plc:abc123" {
		t.Errorf("expected did:plc:abc123, got %s", got)
	}
}

func TestDecodePostExtractsTextAndMentionFacet(t *testing.T) {
	raw := map[string]any{
		"text": "hi @bob",
		"facets": []any{
			map[string]any{
				"features": []any{
					map[string]any{"$type": "app.bsky.richtext.facet#mention", "did": "did:plc:bob"},
				},
			},
		},
	}
	p := decodePost(raw)
	if p.Text != "hi @bob" {
		t.Errorf("expected text to be decoded, got %q", p.Text)
	}
	if len(p.Facets) != 1 || len(p.Facets[0].Features) != 1 {
		t.Fatalf("expected one facet with one feature, got %+v", p.Facets)
	}
	if p.Facets[0].Features[0].DID != "did:plc:bob" {
		t.Errorf("expected mention did did:plc:bob, got %s", p.Facets[0].Features[0].DID)
	}
}

func TestDecodePostReplyRef(t *testing.T) {
	raw := map[string]any{
		"text": "reply text",
		"reply": map[string]any{
			"parent": map[string]any{"uri": "at://did:plc:parent/app.bsky.feed.post/1", "cid": "bafy1"},
			"root":   map[string]any{"uri": "at://did:plc:root/app.bsky.feed.post/0", "cid": "bafy0"},
		},
	}
	p := decodePost(raw)
	if p.Reply == nil || p.Reply.URI != "at://did:plc:parent/app.bsky.feed.post/1" {
		t.Fatalf("expected reply parent ref, got %+v", p.Reply)
	}
	if p.ReplyRoot == nil || p.ReplyRoot.URI != "at://did:plc:root/app.bsky.feed.post/0" {
		t.Fatalf("expected reply root ref, got %+v", p.ReplyRoot)
	}
}

func TestDecodePostQuoteEmbed(t *testing.T) {
	raw := map[string]any{
		"text": "quoting",
		"embed": map[string]any{
			"$type": "app.bsky.embed.record",
			"record": map[string]any{
				"uri": "at://did:plc:quoted/app.bsky.feed.post/9",
				"cid": "bafy9",
			},
		},
	}
	p := decodePost(raw)
	if len(p.QuotedURIs) != 1 || p.QuotedURIs[0] != "at://did:plc:quoted/app.bsky.feed.post/9" {
		t.Fatalf("expected one quoted uri, got %+v", p.QuotedURIs)
	}
}

func TestDecodePostQuoteWithMediaEmbed(t *testing.T) {
	raw := map[string]any{
		"text": "quoting with media",
		"embed": map[string]any{
			"$type": "app.bsky.embed.recordWithMedia",
			"record": map[string]any{
				"record": map[string]any{
					"uri": "at://did:plc:quoted/app.bsky.feed.post/9",
					"cid": "bafy9",
				},
			},
		},
	}
	p := decodePost(raw)
	if len(p.QuotedURIs) != 1 || p.QuotedURIs[0] != "at://did:plc:quoted/app.bsky.feed.post/9" {
		t.Fatalf("expected one quoted uri from recordWithMedia, got %+v", p.QuotedURIs)
	}
}

func TestDecodeSubject(t *testing.T) {
	raw := map[string]any{
		"subject": map[string]any{"uri": "at://did:plc:author/app.bsky.feed.post/1", "cid": "bafy1"},
	}
	s := decodeSubject(raw)
	if s.Subject.URI != "at://did:plc:author/app.bsky.feed.post/1" {
		t.Errorf("expected subject uri decoded, got %+v", s.Subject)
	}
}

func TestDecodeFollow(t *testing.T) {
	raw := map[string]any{"subject": "did:plc:followed"}
	f := decodeFollow(raw)
	if f.Subject != "did:plc:followed" {
		t.Errorf("expected subject did:plc:followed, got %s", f.Subject)
	}
}
