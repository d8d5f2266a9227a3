package token

import (
	"errors"
	"strings"
	"testing"

	"github.com/pkoukk/tiktoken-go"
)

// forceHeuristic makes every counter fall back to the estimator so tests
// are deterministic and offline.
func forceHeuristic(t *testing.T) {
	t.Helper()
	orig := loadEncoding
	loadEncoding = func(string) (*tiktoken.Tiktoken, error) {
		return nil, errors.New("encoder unavailable")
	}
	t.Cleanup(func() { loadEncoding = orig })
}

// ─── Model table ─────────────────────────────────────────────────────────────

func TestLookupModel_KnownFamilies(t *testing.T) {
	tests := []struct {
		model    string
		encoding string
		limit    int
	}{
		{"gpt-4o-mini", "o200k_base", 128000},
		{"gpt-4", "cl100k_base", 8192},
		{"gpt-4-32k-0613", "cl100k_base", 32768},
		{"gpt-3.5-turbo-16k", "cl100k_base", 16385},
		{"claude-3-5-sonnet", "cl100k_base", 200000},
	}
	for _, tt := range tests {
		info := LookupModel(tt.model)
		if info.Encoding != tt.encoding {
			t.Errorf("%s: encoding = %q, want %q", tt.model, info.Encoding, tt.encoding)
		}
		if info.TokenLimit != tt.limit {
			t.Errorf("%s: limit = %d, want %d", tt.model, info.TokenLimit, tt.limit)
		}
	}
}

func TestLookupModel_UnknownFallsBack(t *testing.T) {
	info := LookupModel("some-future-model")
	if info.Encoding != defaultEncoding {
		t.Errorf("encoding = %q, want default", info.Encoding)
	}
	if info.TokenLimit != defaultTokenLimit {
		t.Errorf("limit = %d, want %d", info.TokenLimit, defaultTokenLimit)
	}
}

// ─── Heuristic estimator ─────────────────────────────────────────────────────

func TestHeuristic_Classification(t *testing.T) {
	h := heuristicCounter{}

	prose := strings.Repeat("the quick brown fox jumps over the lazy dog ", 10)
	cjk := strings.Repeat("分岐した会話の文脈を組み立てる", 10)
	code := strings.Repeat("if (x >= 0) { y[i] = f(x); }\n", 10)

	proseTokens := h.count(prose)
	cjkTokens := h.count(cjk)
	codeTokens := h.count(code)

	// CJK is denser (fewer chars per token), code is sparser than prose.
	if perChar := float64(len([]rune(cjk))) / float64(cjkTokens); perChar > 2.1 {
		t.Errorf("cjk chars/token = %.2f, want ~2.0", perChar)
	}
	if perChar := float64(len([]rune(code))) / float64(codeTokens); perChar < 4.0 {
		t.Errorf("code chars/token = %.2f, want ~4.5", perChar)
	}
	if perChar := float64(len([]rune(prose))) / float64(proseTokens); perChar < 3.0 || perChar > 4.5 {
		t.Errorf("prose chars/token = %.2f, want ~3.8", perChar)
	}
}

func TestHeuristic_NeverZeroForNonEmpty(t *testing.T) {
	h := heuristicCounter{}
	if got := h.count("x"); got < 1 {
		t.Errorf("count(\"x\") = %d, want >= 1", got)
	}
	if got := h.count(""); got != 0 {
		t.Errorf("count(\"\") = %d, want 0", got)
	}
}

// ─── Budgeter ────────────────────────────────────────────────────────────────

func TestCount_FallsBackWhenEncoderUnavailable(t *testing.T) {
	forceHeuristic(t)
	b := NewBudgeter(0)

	if got := b.Count("hello world, this is fallback territory", "gpt-4"); got < 1 {
		t.Errorf("Count = %d, want >= 1", got)
	}
}

func TestCountMessages_AddsOverhead(t *testing.T) {
	forceHeuristic(t)
	b := NewBudgeter(0)

	msgs := []Message{
		{Role: "user", Content: "hello there"},
		{Role: "assistant", Content: "hi"},
	}
	raw := b.Count("hello there", "gpt-4") + b.Count("hi", "gpt-4")
	total := b.CountMessages(msgs, "gpt-4")
	if total <= raw {
		t.Errorf("CountMessages = %d, want > raw content count %d", total, raw)
	}
	if b.CountMessages(nil, "gpt-4") != 0 {
		t.Error("CountMessages(nil) should be 0")
	}
}

func TestTruncateToLimit_NoopUnderLimit(t *testing.T) {
	forceHeuristic(t)
	b := NewBudgeter(0)

	res := b.TruncateToLimit("short text", "gpt-4", 1000)
	if res.Truncated {
		t.Error("short text should not be truncated")
	}
	if res.Text != "short text" {
		t.Errorf("Text = %q, want unchanged", res.Text)
	}
}

func TestTruncateToLimit_BudgetInvariant(t *testing.T) {
	forceHeuristic(t)
	b := NewBudgeter(0)

	text := strings.Repeat("some moderately long prose for the trimmer ", 100)
	for _, limit := range []int{1, 10, 50, 200} {
		res := b.TruncateToLimit(text, "gpt-4", limit)
		if res.TokenCount > limit {
			t.Errorf("limit %d: TokenCount = %d exceeds limit", limit, res.TokenCount)
		}
		if !res.Truncated {
			t.Errorf("limit %d: expected truncation", limit)
		}
	}
}

func TestTruncateToLimit_ResultIsPrefix(t *testing.T) {
	forceHeuristic(t)
	b := NewBudgeter(0)

	text := strings.Repeat("月曜日の朝に届いたメッセージ ", 50)
	res := b.TruncateToLimit(text, "gpt-4", 30)
	if !strings.HasPrefix(text, res.Text) {
		t.Error("truncated text is not a prefix of the original")
	}
}

func TestTruncateToLimit_Deterministic(t *testing.T) {
	forceHeuristic(t)
	b := NewBudgeter(0)

	text := strings.Repeat("determinism check ", 200)
	first := b.TruncateToLimit(text, "gpt-4", 77)
	for i := 0; i < 5; i++ {
		again := b.TruncateToLimit(text, "gpt-4", 77)
		if again.Text != first.Text || again.TokenCount != first.TokenCount {
			t.Fatal("TruncateToLimit is not deterministic for identical input")
		}
	}
}

func TestTruncateToLimit_DefaultsToModelLimit(t *testing.T) {
	forceHeuristic(t)
	b := NewBudgeter(0)

	res := b.TruncateToLimit("tiny", "gpt-4", 0)
	if res.Truncated {
		t.Error("tiny text must fit the model limit")
	}
}

func TestEncoderCache_Bounded(t *testing.T) {
	forceHeuristic(t)
	b := NewBudgeter(2)

	for _, model := range []string{"m1", "m2", "m3", "m4", "m5"} {
		b.Count("text", model)
	}
	if got := b.counters.Len(); got > 2 {
		t.Errorf("encoder cache holds %d entries, want <= 2", got)
	}
}
