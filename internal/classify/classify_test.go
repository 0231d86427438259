package classify

import (
	"context"
	"testing"

	"github.com/primal-host/pushbridge/internal/events"
	"github.com/primal-host/pushbridge/internal/firehose"
)

type fakeRelationships struct {
	muted, blocked map[string]map[string]bool
}

func (f *fakeRelationships) IsMuted(_ context.Context, user, target string) (bool, error) {
	return f.muted[user][target], nil
}

func (f *fakeRelationships) IsBlocked(_ context.Context, user, target string) (bool, error) {
	return f.blocked[user][target], nil
}

type fakeHandles struct{}

func (fakeHandles) GetHandle(_ context.Context, did string) string { return did + "-handle" }

type fakePosts struct{ text string }

func (f fakePosts) GetPostText(_ context.Context, _ string) string { return f.text }

func newClassifier() *Classifier {
	return NewClassifier(
		&fakeRelationships{muted: map[string]map[string]bool{}, blocked: map[string]map[string]bool{}},
		fakeHandles{},
		fakePosts{text: "hello world"},
	)
}

const (
	actor     = "did:plc:actor"
	recipient = "did:plc:recipient"
	bystander = "did:plc:bystander"
)

func TestClassifyMention(t *testing.T) {
	c := newClassifier()
	registered := map[string]bool{recipient: true}

	op := firehose.Op{
		Collection: "app.bsky.feed.post",
		URI:        "at://" + actor + "/app.bsky.feed.post/abc",
		Record: &events.Record{
			Kind: events.KindPost,
			Post: &events.PostRecord{
				Text: "hi @recipient",
				Facets: []events.Facet{{Features: []events.FacetFeature{
					{Type: "app.bsky.richtext.facet#mention", DID: recipient},
				}}},
			},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifs))
	}
	n := notifs[0]
	if n.Kind != KindMention {
		t.Errorf("expected mention, got %s", n.Kind)
	}
	if n.RecipientDID != recipient {
		t.Errorf("expected recipient %s, got %s", recipient, n.RecipientDID)
	}
	if want := "@" + actor + "-handle mentioned you"; n.Title != want {
		t.Errorf("expected title %q, got %q", want, n.Title)
	}
	if n.Body != "hi @recipient" {
		t.Errorf("expected body to be the event's own post text, got %q", n.Body)
	}
	if n.URI != op.URI {
		t.Errorf("expected uri %q, got %q", op.URI, n.URI)
	}
}

// TestClassifyReply matches spec.md scenario 2.
func TestClassifyReply(t *testing.T) {
	c := newClassifier()
	registered := map[string]bool{recipient: true}

	op := firehose.Op{
		Collection: "app.bsky.feed.post",
		URI:        "at://" + actor + "/app.bsky.feed.post/abc",
		Record: &events.Record{
			Kind: events.KindPost,
			Post: &events.PostRecord{
				Text:  "ok",
				Reply: &events.StrongRef{URI: "at://" + recipient + "/app.bsky.feed.post/xyz"},
			},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifs))
	}
	n := notifs[0]
	if want := "@" + actor + "-handle replied to you"; n.Title != want {
		t.Errorf("expected title %q, got %q", want, n.Title)
	}
	if n.Body != "ok" {
		t.Errorf("expected body %q, got %q", "ok", n.Body)
	}
	if n.URI != op.URI {
		t.Errorf("expected uri %q, got %q", op.URI, n.URI)
	}
}

// TestClassifyLikeResolvesSubjectPostText matches spec.md scenario 3:
// the body comes from the Post Resolver on the liked post's URI, not
// the like record's own (nonexistent) text, and the deep-link URI
// points at the liked post rather than the like record.
func TestClassifyLikeResolvesSubjectPostText(t *testing.T) {
	c := NewClassifier(
		&fakeRelationships{muted: map[string]map[string]bool{}, blocked: map[string]map[string]bool{}},
		fakeHandles{},
		fakePosts{text: "hello"},
	)
	registered := map[string]bool{recipient: true}
	subjectURI := "at://" + recipient + "/app.bsky.feed.post/xyz"

	op := firehose.Op{
		Collection: "app.bsky.feed.like",
		URI:        "at://" + actor + "/app.bsky.feed.like/abc",
		Record: &events.Record{
			Kind: events.KindLike,
			Like: &events.SubjectRecord{Subject: events.StrongRef{URI: subjectURI}},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifs))
	}
	n := notifs[0]
	if want := "@" + actor + "-handle liked your post"; n.Title != want {
		t.Errorf("expected title %q, got %q", want, n.Title)
	}
	if n.Body != "hello" {
		t.Errorf("expected body resolved from the liked post, got %q", n.Body)
	}
	if n.URI != subjectURI {
		t.Errorf("expected deep-link to the liked post %q, got %q", subjectURI, n.URI)
	}
}

func TestClassifyFollowTitleAndBody(t *testing.T) {
	c := newClassifier()
	registered := map[string]bool{recipient: true}

	op := firehose.Op{
		Collection: "app.bsky.graph.follow",
		URI:        "at://" + actor + "/app.bsky.graph.follow/abc",
		Record: &events.Record{
			Kind:   events.KindFollow,
			Follow: &events.FollowRecord{Subject: recipient},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifs))
	}
	n := notifs[0]
	if n.Title != "New follower" {
		t.Errorf("expected title %q, got %q", "New follower", n.Title)
	}
	if want := "@" + actor + "-handle followed you"; n.Body != want {
		t.Errorf("expected body %q, got %q", want, n.Body)
	}
	if want := "at://" + actor; n.URI != want {
		t.Errorf("expected follow deep-link to the actor %q, got %q", want, n.URI)
	}
}

func TestClassifyQuoteTakesPrecedenceOverMention(t *testing.T) {
	c := newClassifier()
	quoted := "did:plc:quoted"
	registered := map[string]bool{recipient: true, quoted: true}

	op := firehose.Op{
		Collection: "app.bsky.feed.post",
		URI:        "at://" + actor + "/app.bsky.feed.post/abc",
		Record: &events.Record{
			Kind: events.KindPost,
			Post: &events.PostRecord{
				Text:       "check this out @recipient",
				QuotedURIs: []string{"at://" + quoted + "/app.bsky.feed.post/xyz"},
				Facets: []events.Facet{{Features: []events.FacetFeature{
					{Type: "app.bsky.richtext.facet#mention", DID: recipient},
				}}},
			},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	kinds := map[string]NotificationKind{}
	for _, n := range notifs {
		kinds[n.RecipientDID] = n.Kind
	}
	if kinds[quoted] != KindQuote {
		t.Errorf("expected quoted user to get a quote notification, got %s", kinds[quoted])
	}
	if k, ok := kinds[recipient]; ok {
		t.Errorf("expected mentioned user to get no notification once the quote tier matched, got %s", k)
	}
}

func TestClassifyQuoteFallsBackToMentionWhenQuotedUserUnregistered(t *testing.T) {
	c := newClassifier()
	registered := map[string]bool{recipient: true} // the quoted author is NOT registered

	op := firehose.Op{
		Collection: "app.bsky.feed.post",
		URI:        "at://" + actor + "/app.bsky.feed.post/abc",
		Record: &events.Record{
			Kind: events.KindPost,
			Post: &events.PostRecord{
				Text:       "check this out @recipient",
				QuotedURIs: []string{"at://did:plc:unregistered/app.bsky.feed.post/xyz"},
				Facets: []events.Facet{{Features: []events.FacetFeature{
					{Type: "app.bsky.richtext.facet#mention", DID: recipient},
				}}},
			},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 1 || notifs[0].Kind != KindMention {
		t.Fatalf("expected fallback to mention, got %+v", notifs)
	}
}

func TestClassifySelfActionExcluded(t *testing.T) {
	c := newClassifier()
	registered := map[string]bool{actor: true}

	op := firehose.Op{
		Collection: "app.bsky.graph.follow",
		Record: &events.Record{
			Kind:   events.KindFollow,
			Follow: &events.FollowRecord{Subject: actor},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 0 {
		t.Errorf("expected no self-notification, got %+v", notifs)
	}
}

func TestClassifyMutedActorExcluded(t *testing.T) {
	rel := &fakeRelationships{
		muted:   map[string]map[string]bool{recipient: {actor: true}},
		blocked: map[string]map[string]bool{},
	}
	c := NewClassifier(rel, fakeHandles{}, fakePosts{text: "x"})
	registered := map[string]bool{recipient: true}

	op := firehose.Op{
		Collection: "app.bsky.graph.follow",
		Record: &events.Record{
			Kind:   events.KindFollow,
			Follow: &events.FollowRecord{Subject: recipient},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 0 {
		t.Errorf("expected muted actor's follow to be suppressed, got %+v", notifs)
	}
}

func TestClassifyLikeAndRepost(t *testing.T) {
	c := newClassifier()
	registered := map[string]bool{recipient: true}

	likeOp := firehose.Op{
		Collection: "app.bsky.feed.like",
		Record: &events.Record{
			Kind: events.KindLike,
			Like: &events.SubjectRecord{Subject: events.StrongRef{URI: "at://" + recipient + "/app.bsky.feed.post/1"}},
		},
	}
	repostOp := firehose.Op{
		Collection: "app.bsky.feed.repost",
		Record: &events.Record{
			Kind:   events.KindRepost,
			Repost: &events.SubjectRecord{Subject: events.StrongRef{URI: "at://" + recipient + "/app.bsky.feed.post/1"}},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{likeOp, repostOp}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notifs))
	}
}

func TestClassifyIgnoresUnrelatedBystander(t *testing.T) {
	c := newClassifier()
	registered := map[string]bool{bystander: true}

	op := firehose.Op{
		Collection: "app.bsky.feed.like",
		Record: &events.Record{
			Kind: events.KindLike,
			Like: &events.SubjectRecord{Subject: events.StrongRef{URI: "at://" + recipient + "/app.bsky.feed.post/1"}},
		},
	}
	evt := &firehose.CommitEvent{DID: actor, Ops: []firehose.Op{op}}

	notifs := c.Classify(context.Background(), evt, registered)
	if len(notifs) != 0 {
		t.Errorf("expected no notifications for unrelated bystander, got %+v", notifs)
	}
}
