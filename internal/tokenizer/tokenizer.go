// Package tokenizer provides token counting and context-window budget
// enforcement for completion requests.
package tokenizer

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
	"github.com/pkoukk/tiktoken-go"

	relayerrors "github.com/quillforge/relay/pkg/errors"
	"github.com/quillforge/relay/pkg/types"
)

// Per-message framing overhead in tokens, on top of the content itself.
const (
	messageOverhead         = 4
	functionMessageOverhead = 6
	conversationOverhead    = 3
)

// Family describes one model family: the models it covers (by name
// prefix), the encoding used to count their tokens, and their budget
// ceilings.
type Family struct {
	Name            string
	Encoding        string
	ContextWindow   int
	MaxOutputTokens int
}

var builtinFamilies = []Family{
	{Name: "gpt-4o", Encoding: "o200k_base", ContextWindow: 128000, MaxOutputTokens: 16384},
	{Name: "gpt-4-turbo", Encoding: "cl100k_base", ContextWindow: 128000, MaxOutputTokens: 4096},
	{Name: "gpt-4", Encoding: "cl100k_base", ContextWindow: 8192, MaxOutputTokens: 8192},
	{Name: "gpt-3.5-turbo", Encoding: "cl100k_base", ContextWindow: 16385, MaxOutputTokens: 4096},
	{Name: "claude", Encoding: "cl100k_base", ContextWindow: 200000, MaxOutputTokens: 8192},
	{Name: "mistral", Encoding: "cl100k_base", ContextWindow: 32768, MaxOutputTokens: 8192},
	{Name: "llama", Encoding: "cl100k_base", ContextWindow: 131072, MaxOutputTokens: 8192},
}

var defaultFamily = Family{
	Name:            "default",
	Encoding:        "cl100k_base",
	ContextWindow:   8192,
	MaxOutputTokens: 4096,
}

// Config controls family registration and count caching.
type Config struct {
	// Families are checked before the built-in table, so they can
	// override built-in entries.
	Families []Family

	// DefaultFamily, when set, names the registered family used for
	// models that match nothing.
	DefaultFamily string

	// CacheTTL bounds how long a text's token count stays cached.
	// Defaults to 5 minutes.
	CacheTTL time.Duration

	// CacheSweepLimit is the entry count above which expired entries
	// are swept out. Defaults to 1000.
	CacheSweepLimit int
}

// Service counts tokens per model family and enforces context-window
// budgets. Safe for concurrent use.
type Service struct {
	byName     map[string]Family
	byPrefix   []Family // longest name first
	fallback   Family
	sweepLimit int
	logger     *slog.Logger

	encodings sync.Map // encoding name -> *tiktoken.Tiktoken (nil after failed lookup)
	warned    sync.Map // model name -> struct{}
	counts    *cache.Cache
}

// NewService creates a tokenization service. A nil logger falls back
// to slog.Default().
func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	sweepLimit := cfg.CacheSweepLimit
	if sweepLimit <= 0 {
		sweepLimit = 1000
	}

	families := make([]Family, 0, len(cfg.Families)+len(builtinFamilies))
	families = append(families, cfg.Families...)
	families = append(families, builtinFamilies...)

	byName := make(map[string]Family, len(families))
	for _, f := range families {
		if _, ok := byName[f.Name]; !ok {
			byName[f.Name] = f
		}
	}

	byPrefix := make([]Family, len(families))
	copy(byPrefix, families)
	sort.SliceStable(byPrefix, func(i, j int) bool {
		return len(byPrefix[i].Name) > len(byPrefix[j].Name)
	})

	fallback := defaultFamily
	if cfg.DefaultFamily != "" {
		if f, ok := byName[cfg.DefaultFamily]; ok {
			fallback = f
		}
	}

	return &Service{
		byName:     byName,
		byPrefix:   byPrefix,
		fallback:   fallback,
		sweepLimit: sweepLimit,
		logger:     logger,
		counts:     cache.New(ttl, 0),
	}
}

// CountTokens returns the token count of text under the model's
// encoding. Counts are cached by content hash.
func (s *Service) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}

	family := s.resolveFamily(model)
	key := family.Encoding + ":" + strconv.FormatUint(xxhash.Sum64String(text), 16)

	if cached, found := s.counts.Get(key); found {
		if n, ok := cached.(int); ok {
			return n
		}
	}

	n := s.encodeCount(family, text)

	s.counts.Set(key, n, cache.DefaultExpiration)
	if s.counts.ItemCount() > s.sweepLimit {
		s.counts.DeleteExpired()
	}
	return n
}

// CountRequestTokens returns the full prompt cost of a request: the
// token count of every message plus per-message framing overhead plus
// a fixed conversation overhead.
func (s *Service) CountRequestTokens(req *types.CompletionRequest) int {
	if req == nil {
		return 0
	}

	total := 0
	for _, msg := range req.Messages {
		total += s.CountTokens(req.Model, msg.Content)
		if msg.Role == types.RoleFunction {
			total += functionMessageOverhead
		} else {
			total += messageOverhead
		}
	}
	total += conversationOverhead
	return total
}

// ValidateContextWindow fails when the request's input tokens plus its
// requested output would not fit in the model's context window.
func (s *Service) ValidateContextWindow(req *types.CompletionRequest) error {
	if req == nil {
		return relayerrors.NewValidationError("request is nil")
	}

	family := s.resolveFamily(req.Model)
	input := s.CountRequestTokens(req)
	needed := input + req.MaxTokens
	if needed > family.ContextWindow {
		return relayerrors.NewValidationError(fmt.Sprintf(
			"request needs %d tokens (%d input + %d output) but %s has a %d token context window",
			needed, input, req.MaxTokens, req.Model, family.ContextWindow))
	}
	return nil
}

// OptimizeMaxTokens returns the largest output allowance that fits the
// given token budget: min(budget - input, requested max, family max).
// Fails when the input alone consumes the budget.
func (s *Service) OptimizeMaxTokens(req *types.CompletionRequest, tokenBudget int) (int, error) {
	if req == nil {
		return 0, relayerrors.NewValidationError("request is nil")
	}

	input := s.CountRequestTokens(req)
	if input >= tokenBudget {
		return 0, relayerrors.NewValidationError(fmt.Sprintf(
			"input uses %d tokens of a %d token budget, leaving no room for output",
			input, tokenBudget))
	}

	out := tokenBudget - input
	if req.MaxTokens > 0 && req.MaxTokens < out {
		out = req.MaxTokens
	}
	family := s.resolveFamily(req.Model)
	if family.MaxOutputTokens > 0 && family.MaxOutputTokens < out {
		out = family.MaxOutputTokens
	}
	return out, nil
}

// ContextWindow returns the context window of the family serving the
// given model.
func (s *Service) ContextWindow(model string) int {
	return s.resolveFamily(model).ContextWindow
}

// CachedCounts returns the number of live entries in the count cache.
func (s *Service) CachedCounts() int {
	return s.counts.ItemCount()
}

// resolveFamily maps a model name to its family: exact match, then
// longest prefix match, then the default. Unknown models are logged
// once each.
func (s *Service) resolveFamily(model string) Family {
	_, name := types.SplitProviderModel(model)

	if f, ok := s.byName[name]; ok {
		return f
	}
	for _, f := range s.byPrefix {
		if len(name) > len(f.Name) && name[:len(f.Name)] == f.Name {
			return f
		}
	}

	if _, seen := s.warned.LoadOrStore(name, struct{}{}); !seen {
		s.logger.Warn("no tokenizer family for model, using default",
			"model", name,
			"family", s.fallback.Name,
		)
	}
	return s.fallback
}

func (s *Service) encodeCount(family Family, text string) int {
	enc := s.encodingFor(family.Encoding)
	if enc == nil {
		// Conservative estimate when no encoding is available.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func (s *Service) encodingFor(name string) *tiktoken.Tiktoken {
	if cached, ok := s.encodings.Load(name); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		enc = nil
	}
	s.encodings.Store(name, enc)
	return enc
}
