package post

import "testing"

func TestTruncateLeavesShortTextUnchanged(t *testing.T) {
	text := "hello world"
	if got := truncate(text); got != text {
		t.Errorf("expected short text unchanged, got %q", got)
	}
}

func TestTruncateAtExactBoundary(t *testing.T) {
	text := make([]rune, 140)
	for i := range text {
		text[i] = 'a'
	}
	s := string(text)
	if got := truncate(s); got != s {
		t.Errorf("expected exactly-140-rune text unchanged, got len %d", len([]rune(got)))
	}
}

func TestTruncateOverLongText(t *testing.T) {
	text := make([]rune, 200)
	for i := range text {
		text[i] = 'a'
	}
	got := truncate(string(text))
	gotRunes := []rune(got)
	if len(gotRunes) != 140 {
		t.Fatalf("expected truncated text to be exactly 140 runes, got %d", len(gotRunes))
	}
	if string(gotRunes[137:]) != "..." {
		t.Errorf("expected truncated text to end in an ellipsis, got %q", string(gotRunes[137:]))
	}
}

func TestTruncateMultibyteRunes(t *testing.T) {
	text := make([]rune, 200)
	for i := range text {
		text[i] = '日'
	}
	got := truncate(string(text))
	if len([]rune(got)) != 140 {
		t.Fatalf("expected rune-aware truncation, got %d runes", len([]rune(got)))
	}
}
