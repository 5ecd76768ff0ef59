package mapping

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"hoho/internal/slogutil"
)

// Store holds symbol mappings keyed by (original, context). All methods are
// safe for concurrent use; callers receive copies, never internal records.
type Store struct {
	mu       sync.RWMutex
	path     string
	mappings map[key]*SymbolMapping
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = slogutil.OrDiscard(l) }
}

// WithClock overrides the time source used for LastUpdated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty in-memory store bound to path. Nothing is read from disk.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:     path,
		mappings: make(map[key]*SymbolMapping),
		logger:   slogutil.NewDiscardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the file the store persists to.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mappings)
}

// AddMapping inserts or updates the record for (original, context). An empty
// context is stored as GlobalContext. On update the mapped name and kind are
// replaced, confidence becomes the maximum of old and new, and the usage
// count is incremented.
func (s *Store) AddMapping(original, mapped string, kind Kind, context string, confidence float64) {
	s.upsert(original, mapped, kind, context, confidence, 1, nil)
}

// AddMappingWithReferences is AddMapping that also replaces the reference list.
func (s *Store) AddMappingWithReferences(original, mapped string, kind Kind, context string, confidence float64, refs []string) {
	if refs == nil {
		refs = []string{}
	}
	s.upsert(original, mapped, kind, context, confidence, 1, refs)
}

func (s *Store) upsert(original, mapped string, kind Kind, context string, confidence float64, usage uint64, refs []string) {
	if usage == 0 {
		usage = 1
	}
	k := key{original: original, context: NormalizeContext(context)}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.mappings[k]; ok {
		existing.Mapped = mapped
		existing.Kind = kind
		if confidence > existing.Confidence {
			existing.Confidence = confidence
		}
		existing.UsageCount += usage
		existing.LastUpdated = now
		if refs != nil {
			existing.References = append(existing.References[:0:0], refs...)
		}
		return
	}

	m := &SymbolMapping{
		Original:    original,
		Mapped:      mapped,
		Kind:        kind,
		Context:     k.context,
		Confidence:  confidence,
		LastUpdated: now,
		UsageCount:  usage,
	}
	if refs != nil {
		m.References = append([]string{}, refs...)
	}
	s.mappings[k] = m
}

// put stores m verbatim, replacing any record with the same key.
func (s *Store) put(m *SymbolMapping) {
	m.Context = NormalizeContext(m.Context)
	s.mappings[key{original: m.Original, context: m.Context}] = m
}

// GetMapping looks up original in context, falling back to GlobalContext.
// Only the two levels are consulted.
func (s *Store) GetMapping(original, context string) (*SymbolMapping, bool) {
	context = NormalizeContext(context)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.mappings[key{original, context}]; ok {
		return m.clone(), true
	}
	if context != GlobalContext {
		if m, ok := s.mappings[key{original, GlobalContext}]; ok {
			return m.clone(), true
		}
	}
	return nil, false
}

// GetMappingsForContext returns every record whose context is exactly context,
// ordered by original name. No global fallback is applied.
func (s *Store) GetMappingsForContext(context string) []*SymbolMapping {
	context = NormalizeContext(context)
	return s.collect(func(m *SymbolMapping) bool { return m.Context == context })
}

// SearchMappings returns records whose original or mapped name matches
// pattern as a case-insensitive regular expression. A pattern that does not
// compile is used as a case-insensitive substring instead.
func (s *Store) SearchMappings(pattern string) []*SymbolMapping {
	var match func(string) bool
	if re, err := regexp.Compile("(?i)" + pattern); err == nil {
		match = re.MatchString
	} else {
		s.logger.Debug("search pattern is not a regexp, using substring match", "pattern", pattern, "error", err)
		needle := strings.ToLower(pattern)
		match = func(v string) bool { return strings.Contains(strings.ToLower(v), needle) }
	}
	return s.collect(func(m *SymbolMapping) bool {
		return match(m.Original) || match(m.Mapped)
	})
}

// GetAllMappings returns every record ordered by (original, context).
func (s *Store) GetAllMappings() []*SymbolMapping {
	return s.collect(func(*SymbolMapping) bool { return true })
}

func (s *Store) collect(keep func(*SymbolMapping) bool) []*SymbolMapping {
	s.mu.RLock()
	out := make([]*SymbolMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		if keep(m) {
			out = append(out, m.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Original != out[j].Original {
			return out[i].Original < out[j].Original
		}
		return out[i].Context < out[j].Context
	})
	return out
}

// GetStatistics computes aggregate counters over the current records.
func (s *Store) GetStatistics() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalMappings: len(s.mappings),
		ByKind:        make(map[string]int),
		ByContext:     make(map[string]int),
	}
	var sum float64
	for _, m := range s.mappings {
		st.ByKind[m.Kind.String()]++
		st.ByContext[m.Context]++
		sum += m.Confidence
		if m.Confidence >= HighConfidenceThreshold {
			st.HighConfidence++
		}
		st.TotalUsage += m.UsageCount
	}
	if st.TotalMappings > 0 {
		st.AverageConfidence = sum / float64(st.TotalMappings)
	}
	return st
}
