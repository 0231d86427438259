// Package classify determines which registered users a firehose event
// is relevant to, and builds the notification content for each one.
package classify

import (
	"context"
	"fmt"

	"github.com/primal-host/pushbridge/internal/events"
	"github.com/primal-host/pushbridge/internal/firehose"
)

// NotificationKind identifies why a notification is being sent.
type NotificationKind string

const (
	KindMention NotificationKind = "mention"
	KindReply   NotificationKind = "reply"
	KindQuote   NotificationKind = "quote"
	KindLike    NotificationKind = "like"
	KindRepost  NotificationKind = "repost"
	KindFollow  NotificationKind = "follow"
)

// Notification is one recipient-specific notification derived from a
// single firehose op.
type Notification struct {
	RecipientDID string
	ActorDID     string
	Kind         NotificationKind
	Title        string
	Body         string
	URI          string
}

// RelationshipChecker reports mute/block status between two DIDs.
// Implemented by *relationship.Manager; an interface here keeps this
// package free of a database dependency for testing.
type RelationshipChecker interface {
	IsMuted(ctx context.Context, user, target string) (bool, error)
	IsBlocked(ctx context.Context, user, target string) (bool, error)
}

// HandleResolver resolves a DID to a display handle.
type HandleResolver interface {
	GetHandle(ctx context.Context, did string) string
}

// PostResolver resolves a post URI to its text.
type PostResolver interface {
	GetPostText(ctx context.Context, uri string) string
}

// Classifier turns commit events into recipient notifications.
type Classifier struct {
	relationships RelationshipChecker
	handles       HandleResolver
	posts         PostResolver
}

// NewClassifier creates a Classifier.
func NewClassifier(relationships RelationshipChecker, handles HandleResolver, posts PostResolver) *Classifier {
	return &Classifier{relationships: relationships, handles: handles, posts: posts}
}

// Classify evaluates one commit event against the set of currently
// registered DIDs and returns a notification for every (op, recipient)
// pair that survives the structural filter, mute/block checks, and
// self-notification exclusion.
func (c *Classifier) Classify(ctx context.Context, evt *firehose.CommitEvent, registered map[string]bool) []Notification {
	var out []Notification

	for _, op := range evt.Ops {
		if !isRelevant(op, registered) {
			continue
		}

		kind, recipients := classifyOp(op, registered)
		if len(recipients) == 0 {
			continue
		}

		for recipient := range recipients {
			if recipient == evt.DID {
				continue // never notify an actor about their own action
			}
			if blocked, err := c.relationships.IsBlocked(ctx, recipient, evt.DID); err == nil && blocked {
				continue
			}
			if muted, err := c.relationships.IsMuted(ctx, recipient, evt.DID); err == nil && muted {
				continue
			}

			out = append(out, c.buildNotification(ctx, recipient, evt.DID, kind, op))
		}
	}

	return out
}

// isRelevant is a cheap structural pre-filter run before any
// enrichment: does this op mention a registered DID anywhere in its
// plausible recipient positions? This avoids paying resolver/cache
// costs for the overwhelming majority of firehose events that touch no
// registered user at all.
func isRelevant(op firehose.Op, registered map[string]bool) bool {
	switch op.Record.Kind {
	case events.KindFollow:
		return registered[op.Record.Follow.Subject]
	case events.KindLike, events.KindRepost:
		subj := subjectOf(op.Record)
		return registered[events.DIDFromURI(subj.URI)]
	case events.KindPost:
		p := op.Record.Post
		for _, uri := range p.QuotedURIs {
			if registered[events.DIDFromURI(uri)] {
				return true
			}
		}
		if p.Reply != nil && registered[events.DIDFromURI(p.Reply.URI)] {
			return true
		}
		for _, facet := range p.Facets {
			for _, f := range facet.Features {
				if f.Type == "app.bsky.richtext.facet#mention" && registered[f.DID] {
					return true
				}
			}
		}
		return false
	}
	return false
}

func subjectOf(r *events.Record) events.StrongRef {
	if r.Like != nil {
		return r.Like.Subject
	}
	if r.Repost != nil {
		return r.Repost.Subject
	}
	return events.StrongRef{}
}

// classifyOp determines the notification kind and recipient set for
// one op. For feed.post, the precedence is Quote, then Reply, then
// Mention, falling back to the next tier whenever the higher-precedence
// recipient set is empty — the facets on a quote-post can mention
// someone other than the quoted author, so an empty quote-recipient set
// still checks for a reply or mention before giving up.
func classifyOp(op firehose.Op, registered map[string]bool) (NotificationKind, map[string]bool) {
	switch op.Record.Kind {
	case events.KindFollow:
		if registered[op.Record.Follow.Subject] {
			return KindFollow, map[string]bool{op.Record.Follow.Subject: true}
		}
		return "", nil

	case events.KindLike:
		return recipientsFromSubject(KindLike, op.Record.Like.Subject, registered)

	case events.KindRepost:
		return recipientsFromSubject(KindRepost, op.Record.Repost.Subject, registered)

	case events.KindPost:
		p := op.Record.Post

		if quoted := registeredFromURIs(p.QuotedURIs, registered); len(quoted) > 0 {
			return KindQuote, quoted
		}
		if p.Reply != nil {
			if recipients := registeredFromURIs([]string{p.Reply.URI}, registered); len(recipients) > 0 {
				return KindReply, recipients
			}
		}
		if mentions := mentionRecipients(p, registered); len(mentions) > 0 {
			return KindMention, mentions
		}
		return "", nil
	}
	return "", nil
}

func recipientsFromSubject(kind NotificationKind, subj events.StrongRef, registered map[string]bool) (NotificationKind, map[string]bool) {
	did := events.DIDFromURI(subj.URI)
	if registered[did] {
		return kind, map[string]bool{did: true}
	}
	return "", nil
}

func registeredFromURIs(uris []string, registered map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, uri := range uris {
		did := events.DIDFromURI(uri)
		if registered[did] {
			out[did] = true
		}
	}
	return out
}

func mentionRecipients(p *events.PostRecord, registered map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, facet := range p.Facets {
		for _, f := range facet.Features {
			if f.Type == "app.bsky.richtext.facet#mention" && registered[f.DID] {
				out[f.DID] = true
			}
		}
	}
	return out
}

// buildNotification resolves the actor's handle and the notification's
// body text, and composes the title, body, and deep-link URI. Body and
// URI both depend on kind: Like/Repost resolve and link to the
// referenced post, Reply/Mention/Quote use the event's own post text
// and URI, and Follow carries a fixed body and links to the actor.
func (c *Classifier) buildNotification(ctx context.Context, recipient, actor string, kind NotificationKind, op firehose.Op) Notification {
	handle := c.handles.GetHandle(ctx, actor)

	var body, uri string
	switch kind {
	case KindMention, KindReply, KindQuote:
		body = op.Record.Post.Text
		uri = op.URI
	case KindLike:
		uri = subjectOf(op.Record).URI
		body = c.posts.GetPostText(ctx, uri)
	case KindRepost:
		uri = subjectOf(op.Record).URI
		body = c.posts.GetPostText(ctx, uri)
	case KindFollow:
		body = fmt.Sprintf("@%s followed you", handle)
		uri = actorURI(actor)
	}

	return Notification{
		RecipientDID: recipient,
		ActorDID:     actor,
		Kind:         kind,
		Title:        title(kind, handle),
		Body:         body,
		URI:          uri,
	}
}

// actorURI builds the bare scheme://{actor} deep-link used for Follow
// notifications, which have no record-level URI of their own.
func actorURI(actor string) string {
	return "at://" + actor
}

func title(kind NotificationKind, handle string) string {
	switch kind {
	case KindMention:
		return fmt.Sprintf("@%s mentioned you", handle)
	case KindReply:
		return fmt.Sprintf("@%s replied to you", handle)
	case KindQuote:
		return fmt.Sprintf("@%s quoted your post", handle)
	case KindLike:
		return fmt.Sprintf("@%s liked your post", handle)
	case KindRepost:
		return fmt.Sprintf("@%s reposted your post", handle)
	case KindFollow:
		return "New follower"
	default:
		return fmt.Sprintf("@%s sent you a notification", handle)
	}
}
