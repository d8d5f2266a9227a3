// Package token counts and truncates text against per-model token limits.
//
// Counting prefers the exact tiktoken encoder for the model's encoding and
// falls back to a character-ratio heuristic when the encoder cannot be
// loaded (offline environments, unknown encodings). The fallback never
// fails. Encoders are cached per model id in a bounded LRU.
package token

import (
	"math"
	"strings"
	"sync"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

// Message is the minimal role/content view of one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Per-message wire format overhead: role tag plus separators, and the
// assistant-reply primer appended once per request.
const (
	tokensPerMessage = 4
	replyPrimer      = 3
)

// ─── Model table ─────────────────────────────────────────────────────────────

// ModelInfo maps a model family to its encoding and context window.
type ModelInfo struct {
	Encoding   string
	TokenLimit int
}

const (
	defaultEncoding   = "cl100k_base"
	defaultTokenLimit = 8192
)

// modelTable is matched by prefix, first hit wins, so more specific
// families come first.
var modelTable = []struct {
	prefix string
	info   ModelInfo
}{
	{"gpt-4o", ModelInfo{"o200k_base", 128000}},
	{"gpt-4.1", ModelInfo{"o200k_base", 128000}},
	{"gpt-4-32k", ModelInfo{"cl100k_base", 32768}},
	{"gpt-4", ModelInfo{"cl100k_base", 8192}},
	{"gpt-3.5-turbo", ModelInfo{"cl100k_base", 16385}},
	{"o1", ModelInfo{"o200k_base", 128000}},
	{"o3", ModelInfo{"o200k_base", 128000}},
	{"claude-3-5", ModelInfo{"cl100k_base", 200000}},
	{"claude", ModelInfo{"cl100k_base", 200000}},
	{"gemini", ModelInfo{"cl100k_base", 1000000}},
}

// LookupModel returns the model's encoding and token limit. Unknown models
// get the default encoding and limit — never an error.
func LookupModel(modelID string) ModelInfo {
	for _, m := range modelTable {
		if strings.HasPrefix(modelID, m.prefix) {
			return m.info
		}
	}
	return ModelInfo{defaultEncoding, defaultTokenLimit}
}

// GetTokenLimit returns the context window for the model.
func GetTokenLimit(modelID string) int {
	return LookupModel(modelID).TokenLimit
}

// ─── Counters ────────────────────────────────────────────────────────────────

// loadEncoding is a package-level var to allow test injection.
var loadEncoding = tiktoken.GetEncoding

type counter interface {
	count(text string) int
}

type exactCounter struct {
	enc *tiktoken.Tiktoken
}

func (c exactCounter) count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// heuristicCounter estimates tokens from character density when no exact
// encoder is available. Ratios are chars per token.
type heuristicCounter struct{}

func (heuristicCounter) count(text string) int {
	if text == "" {
		return 0
	}

	runes := []rune(text)
	ratio := 3.8 // prose
	switch {
	case cjkRatio(runes) > 0.3:
		ratio = 2.0
	case looksLikeCode(text, runes):
		ratio = 4.5
	}

	n := int(math.Ceil(float64(len(runes)) / ratio))
	if n < 1 {
		n = 1
	}
	return n
}

func cjkRatio(runes []rune) float64 {
	if len(runes) == 0 {
		return 0
	}
	cjk := 0
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		}
	}
	return float64(cjk) / float64(len(runes))
}

func looksLikeCode(text string, runes []rune) bool {
	if strings.Contains(text, "```") {
		return true
	}
	symbols := 0
	for _, r := range runes {
		switch r {
		case '{', '}', '(', ')', ';', '=', '<', '>', '[', ']':
			symbols++
		}
	}
	return float64(symbols)/float64(len(runes)) > 0.05
}

// ─── Budgeter ────────────────────────────────────────────────────────────────

// Budgeter counts and truncates text against model token limits. Safe for
// concurrent use. Construct once and inject; it caches one counter per
// model id, bounded so many distinct model ids cannot grow memory.
type Budgeter struct {
	mu       sync.Mutex
	counters *lru.Cache[string, counter]
}

// DefaultEncoderCacheSize bounds the per-model counter cache.
const DefaultEncoderCacheSize = 32

// NewBudgeter creates a Budgeter whose encoder cache holds at most size
// entries. size <= 0 uses DefaultEncoderCacheSize.
func NewBudgeter(size int) *Budgeter {
	if size <= 0 {
		size = DefaultEncoderCacheSize
	}
	cache, _ := lru.New[string, counter](size) // only errors on size <= 0
	return &Budgeter{counters: cache}
}

func (b *Budgeter) counterFor(modelID string) counter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.counters.Get(modelID); ok {
		return c
	}

	var c counter = heuristicCounter{}
	if enc, err := loadEncoding(LookupModel(modelID).Encoding); err == nil {
		c = exactCounter{enc: enc}
	}
	b.counters.Add(modelID, c)
	return c
}

// Count returns the token count of text under the model's encoding.
func (b *Budgeter) Count(text, modelID string) int {
	return b.counterFor(modelID).count(text)
}

// CountMessages returns the token count of a full message sequence,
// including per-message formatting overhead, not just raw content.
func (b *Budgeter) CountMessages(msgs []Message, modelID string) int {
	if len(msgs) == 0 {
		return 0
	}
	c := b.counterFor(modelID)
	total := replyPrimer
	for _, m := range msgs {
		total += tokensPerMessage + c.count(m.Content)
	}
	return total
}

// TruncateResult holds the outcome of TruncateToLimit.
type TruncateResult struct {
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	Truncated  bool   `json:"truncated"`
}

// TruncateToLimit trims text to the longest prefix whose token count is at
// most maxTokens (the model's limit when maxTokens <= 0). The search is a
// binary search over rune length, so the result is deterministic and the
// output is always a prefix of the input.
func (b *Budgeter) TruncateToLimit(text, modelID string, maxTokens int) TruncateResult {
	limit := maxTokens
	if limit <= 0 {
		limit = GetTokenLimit(modelID)
	}

	c := b.counterFor(modelID)
	full := c.count(text)
	if full <= limit {
		return TruncateResult{Text: text, TokenCount: full, Truncated: false}
	}

	runes := []rune(text)
	// Invariant: count(runes[:lo]) <= limit < count(runes[:hi]).
	lo, hi := 0, len(runes)
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if c.count(string(runes[:mid])) <= limit {
			lo = mid
		} else {
			hi = mid
		}
	}

	trimmed := string(runes[:lo])
	return TruncateResult{
		Text:       trimmed,
		TokenCount: c.count(trimmed),
		Truncated:  true,
	}
}
