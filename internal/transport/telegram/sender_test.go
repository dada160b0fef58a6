package telegram

import (
	"strings"
	"testing"

	logx "tickerd/pkg/logx"
)

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	for _, token := range []string{"", "   "} {
		if _, err := New(Config{Token: token}, logx.Nop()); err == nil {
			t.Fatalf("New(token=%q) accepted, want error", token)
		}
	}
}

func TestSplitTextShortPassesThrough(t *testing.T) {
	t.Parallel()
	in := "cooldown: AAPL 1m after 5 errors"
	got := splitText(in, 100, "")
	if len(got) != 1 || got[0] != in {
		t.Fatalf("splitText = %q, want single unchanged chunk", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	lines := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		lines = append(lines, strings.Repeat("x", 20))
	}
	in := strings.Join(lines, "\n")

	got := splitText(in, 100, "")
	if len(got) < 2 {
		t.Fatalf("splitText produced %d chunks, want several", len(got))
	}
	for i, chunk := range got {
		if len([]rune(chunk)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(chunk)))
		}
		if strings.HasPrefix(chunk, "\n") || strings.HasSuffix(chunk, "\n") {
			t.Fatalf("chunk %d carries boundary newlines: %q", i, chunk)
		}
		// Every chunk should end exactly at a line boundary.
		if len(chunk)%21 != 20 {
			t.Fatalf("chunk %d cut mid-line: %q", i, chunk)
		}
	}
}

func TestSplitTextRejoinsToOriginalContent(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("abcde\n", 200)
	got := splitText(in, 64, "")
	joined := strings.Join(got, "\n") + "\n"
	if joined != in {
		t.Fatalf("rejoined text differs from input (got %d bytes, want %d)", len(joined), len(in))
	}
}

func TestSplitTextAvoidsCuttingHTMLTags(t *testing.T) {
	t.Parallel()
	// The opening '<' lands right before the naive cut position.
	in := strings.Repeat("a", 98) + "<b>important</b>" + strings.Repeat("c", 98)
	got := splitText(in, 100, "HTML")
	for i, chunk := range got {
		opens := strings.Count(chunk, "<")
		closes := strings.Count(chunk, ">")
		if opens != closes {
			t.Fatalf("chunk %d has a dangling tag: %q", i, chunk)
		}
	}
}

func TestSplitTextHardWrapWithoutNewlines(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("z", 250)
	got := splitText(in, 100, "")
	if len(got) != 3 {
		t.Fatalf("splitText produced %d chunks, want 3", len(got))
	}
	total := 0
	for _, chunk := range got {
		total += len(chunk)
	}
	if total != 250 {
		t.Fatalf("chunks hold %d runes, want 250", total)
	}
}
