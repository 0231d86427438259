// Package events defines the normalized record and commit-op types the
// rest of the bridge operates on, decoded from the raw DAG-CBOR blocks
// carried in each firehose commit.
package events

import (
	"strings"

	"github.com/bluesky-social/indigo/atproto/data"
)

// Kind identifies which lexicon collection a record belongs to.
type Kind string

const (
	KindPost   Kind = "app.bsky.feed.post"
	KindLike   Kind = "app.bsky.feed.like"
	KindRepost Kind = "app.bsky.feed.repost"
	KindFollow Kind = "app.bsky.graph.follow"
)

// SupportedKinds lists the collections this bridge processes. Any other
// collection in a commit's ops is skipped during decode.
var SupportedKinds = map[string]Kind{
	string(KindPost):   KindPost,
	string(KindLike):   KindLike,
	string(KindRepost): KindRepost,
	string(KindFollow): KindFollow,
}

// StrongRef is an AT-URI + CID pointer to another record.
type StrongRef struct {
	URI string
	CID string
}

// FacetFeature is one annotation inside a richtext facet.
type FacetFeature struct {
	Type string // e.g. "app.bsky.richtext.facet#mention"
	DID  string // populated only for mention features
}

// Facet is a richtext annotation span over a post's text.
type Facet struct {
	Features []FacetFeature
}

// PostRecord is a decoded app.bsky.feed.post record.
type PostRecord struct {
	Text       string
	Facets     []Facet
	ReplyRoot  *StrongRef
	Reply      *StrongRef // reply.parent
	QuotedURIs []string   // AT-URIs of records embedded via a record/recordWithMedia quote
}

// SubjectRecord is a decoded app.bsky.feed.like or app.bsky.feed.repost
// record: both point at a subject StrongRef.
type SubjectRecord struct {
	Subject StrongRef
}

// FollowRecord is a decoded app.bsky.graph.follow record: subject is a
// bare DID string, not a StrongRef.
type FollowRecord struct {
	Subject string
}

// Record is a tagged union over the collections this bridge understands.
type Record struct {
	Kind   Kind
	Post   *PostRecord
	Like   *SubjectRecord
	Repost *SubjectRecord
	Follow *FollowRecord
}

// DecodeRecord converts DAG-CBOR bytes for a known collection into a
// normalized Record.
func DecodeRecord(collection string, cborBytes []byte) (*Record, error) {
	kind, ok := SupportedKinds[collection]
	if !ok {
		return nil, nil
	}

	raw, err := data.UnmarshalCBOR(cborBytes)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindPost:
		return &Record{Kind: kind, Post: decodePost(raw)}, nil
	case KindLike:
		return &Record{Kind: kind, Like: decodeSubject(raw)}, nil
	case KindRepost:
		return &Record{Kind: kind, Repost: decodeSubject(raw)}, nil
	case KindFollow:
		return &Record{Kind: kind, Follow: decodeFollow(raw)}, nil
	}
	return nil, nil
}

func decodePost(raw map[string]any) *PostRecord {
	p := &PostRecord{}
	if text, ok := raw["text"].(string); ok {
		p.Text = text
	}

	if facets, ok := raw["facets"].([]any); ok {
		for _, f := range facets {
			fm, ok := f.(map[string]any)
			if !ok {
				continue
			}
			var facet Facet
			features, _ := fm["features"].([]any)
			for _, feat := range features {
				featm, ok := feat.(map[string]any)
				if !ok {
					continue
				}
				ff := FacetFeature{}
				if t, ok := featm["$type"].(string); ok {
					ff.Type = t
				}
				if d, ok := featm["did"].(string); ok {
					ff.DID = d
				}
				facet.Features = append(facet.Features, ff)
			}
			p.Facets = append(p.Facets, facet)
		}
	}

	if reply, ok := raw["reply"].(map[string]any); ok {
		if parent, ok := reply["parent"].(map[string]any); ok {
			p.Reply = strongRefFrom(parent)
		}
		if root, ok := reply["root"].(map[string]any); ok {
			p.ReplyRoot = strongRefFrom(root)
		}
	}

	p.QuotedURIs = extractQuotedURIs(raw)
	return p
}

func strongRefFrom(m map[string]any) *StrongRef {
	ref := &StrongRef{}
	if uri, ok := m["uri"].(string); ok {
		ref.URI = uri
	}
	if c, ok := m["cid"].(string); ok {
		ref.CID = c
	}
	if ref.URI == "" {
		return nil
	}
	return ref
}

func decodeSubject(raw map[string]any) *SubjectRecord {
	subj, ok := raw["subject"].(map[string]any)
	if !ok {
		return &SubjectRecord{}
	}
	ref := strongRefFrom(subj)
	if ref == nil {
		return &SubjectRecord{}
	}
	return &SubjectRecord{Subject: *ref}
}

func decodeFollow(raw map[string]any) *FollowRecord {
	if subj, ok := raw["subject"].(string); ok {
		return &FollowRecord{Subject: subj}
	}
	return &FollowRecord{}
}

// extractQuotedURIs walks a post's embed looking for
// app.bsky.embed.record or app.bsky.embed.recordWithMedia, returning
// the AT-URIs of any quoted records.
func extractQuotedURIs(raw map[string]any) []string {
	embed, ok := raw["embed"].(map[string]any)
	if !ok {
		return nil
	}

	t, _ := embed["$type"].(string)
	switch t {
	case "app.bsky.embed.record":
		if uri := embedRecordURI(embed); uri != "" {
			return []string{uri}
		}
	case "app.bsky.embed.recordWithMedia":
		if rec, ok := embed["record"].(map[string]any); ok {
			if uri := embedRecordURI(rec); uri != "" {
				return []string{uri}
			}
		}
	}
	return nil
}

func embedRecordURI(embed map[string]any) string {
	rec, ok := embed["record"].(map[string]any)
	if !ok {
		return ""
	}
	uri, _ := rec["uri"].(string)
	return uri
}

// DIDFromURI extracts the repo DID from an AT-URI of the form
// "at://did:plc:xyz/collection/rkey".
func DIDFromURI(uri string) string {
	rest := strings.TrimPrefix(uri, "at://")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
