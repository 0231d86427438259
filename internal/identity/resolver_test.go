package identity

import "testing"

func TestFallbackHandleUsesLastPathSegment(t *testing.T) {
	got := fallbackHandle("did:plc:abcdefghijklmnop")
	if got != "user_abcdefgh" {
		t.Errorf("expected user_abcdefgh, got %s", got)
	}
}

func TestFallbackHandleShortTail(t *testing.T) {
	got := fallbackHandle("did:plc:abc")
	if got != "user_abc" {
		t.Errorf("expected user_abc, got %s", got)
	}
}

func TestFallbackHandleNoColon(t *testing.T) {
	got := fallbackHandle("nocolonhere")
	if got != "user_nocolonh" {
		t.Errorf("expected user_nocolonh, got %s", got)
	}
}

func TestExtractHandlePrefersAtURI(t *testing.T) {
	doc := &didDocument{
		ID: "did:plc:abc",
		AlsoKnownAs: []string{
			"https://bsky.app/profile/alice.bsky.social",
			"at://alice.bsky.social",
		},
	}
	got := extractHandle(doc, "did:plc:abc")
	if got != "alice.bsky.social" {
		t.Errorf("expected at:// entry preferred, got %s", got)
	}
}

func TestExtractHandleFallsBackToProfileURL(t *testing.T) {
	doc := &didDocument{
		ID:          "did:plc:abc",
		AlsoKnownAs: []string{"https://bsky.app/profile/alice.bsky.social"},
	}
	got := extractHandle(doc, "did:plc:abc")
	if got != "alice.bsky.social" {
		t.Errorf("expected profile url handle, got %s", got)
	}
}

func TestExtractHandleFallsBackToPlaceholder(t *testing.T) {
	doc := &didDocument{ID: "did:plc:abcdefghijk", AlsoKnownAs: nil}
	got := extractHandle(doc, "did:plc:abcdefghijk")
	if got != fallbackHandle("did:plc:abcdefghijk") {
		t.Errorf("expected fallback placeholder, got %s", got)
	}
}
