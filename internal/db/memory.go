package db

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/types"
)

// MemoryStore is an in-process Store for development, the CLI and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	profile   *types.Profile
	snapshots map[uuid.UUID]*types.Snapshot
	order     []uuid.UUID
	pages     map[uuid.UUID][]types.SnapshotPage
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[uuid.UUID]*types.Snapshot),
		pages:     make(map[uuid.UUID][]types.SnapshotPage),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateSnapshot(_ context.Context, domain string) (*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &types.Snapshot{
		ID:           uuid.New(),
		Domain:       domain,
		Status:       types.SnapshotRunning,
		SelectedURLs: []string{},
		RawScrapes:   []types.RawScrape{},
		CreatedAt:    m.now(),
	}
	m.snapshots[s.ID] = s
	m.order = append(m.order, s.ID)
	return cloneSnapshot(s), nil
}

func (m *MemoryStore) UpdateSnapshot(_ context.Context, id uuid.UUID, update types.SnapshotUpdate) (*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("snapshot %s is %s: %w", id, s.Status, ErrSnapshotFinalized)
	}
	update.Apply(s)
	return cloneSnapshot(s), nil
}

func (m *MemoryStore) ReplaceSnapshotPages(_ context.Context, id uuid.UUID, pages []types.SnapshotPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[id]; !ok {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	m.pages[id] = append([]types.SnapshotPage(nil), pages...)
	return nil
}

// SearchSnapshotPages scores pages by query term frequency, weighting title
// hits above body hits. When nothing matches, the first pages are returned
// with a zero score.
func (m *MemoryStore) SearchSnapshotPages(_ context.Context, id uuid.UUID, query string, limit int) ([]types.PageMatch, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	m.mu.RLock()
	pages := m.pages[id]
	m.mu.RUnlock()

	terms := searchTerms(query)
	type scored struct {
		pos   int
		match types.PageMatch
	}
	var hits []scored
	for i, page := range pages {
		score := scorePage(page, terms)
		if score > 0 {
			hits = append(hits, scored{pos: i, match: types.PageMatch{Page: page, Score: score}})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].match.Score > hits[b].match.Score
	})

	matches := []types.PageMatch{}
	if len(hits) == 0 {
		for i := 0; i < len(pages) && i < limit; i++ {
			matches = append(matches, types.PageMatch{Page: pages[i]})
		}
		return matches, nil
	}
	for i := 0; i < len(hits) && i < limit; i++ {
		matches = append(matches, hits[i].match)
	}
	return matches, nil
}

func (m *MemoryStore) UpsertProfile(_ context.Context, mutate func(*types.Profile) error) (*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	p := m.profile.Clone()
	if p == nil {
		p = newProfile()
		p.CreatedAt = now
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = now
	m.profile = p
	return p.Clone(), nil
}

func (m *MemoryStore) GetProfile(_ context.Context) (*types.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile.Clone(), nil
}

func (m *MemoryStore) GetSnapshotByID(_ context.Context, id uuid.UUID) (*types.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(s), nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, limit int) ([]types.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = listLimit(limit)
	out := []types.Snapshot{}
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *cloneSnapshot(m.snapshots[m.order[i]]))
	}
	return out, nil
}

func cloneSnapshot(s *types.Snapshot) *types.Snapshot {
	c := *s
	c.SelectedURLs = append([]string{}, s.SelectedURLs...)
	c.RawScrapes = append([]types.RawScrape{}, s.RawScrapes...)
	return &c
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "what": true, "who": true,
	"how": true, "does": true, "did": true, "with": true, "their": true, "they": true,
	"this": true, "that": true, "about": true, "from": true, "you": true, "your": true,
	"is": true, "do": true, "of": true, "in": true, "on": true, "to": true, "an": true,
}

func searchTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, word := range tokenize(query) {
		if len(word) < 2 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		terms = append(terms, word)
	}
	return terms
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func scorePage(page types.SnapshotPage, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	counts := make(map[string]int)
	words := tokenize(page.Content)
	for _, w := range words {
		counts[w]++
	}
	titleWords := make(map[string]bool)
	for _, w := range tokenize(page.Title) {
		titleWords[w] = true
	}

	var score float64
	for _, term := range terms {
		score += float64(counts[term])
		if titleWords[term] {
			score += 3
		}
	}
	if score == 0 {
		return 0
	}
	return score / math.Log2(float64(len(words))+2)
}
