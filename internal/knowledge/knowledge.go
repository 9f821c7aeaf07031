// Package knowledge is the key-addressed store that memory agents read and
// write. The orchestrator never touches it.
package knowledge

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("knowledge entry not found")

// Entry is one stored fact.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is implemented by MemoryStore, RedisStore and the PostgreSQL store.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	// Search returns up to limit entries matching the most query terms.
	Search(ctx context.Context, query string, limit int) ([]Entry, error)
}

// Terms splits a query into lower-cased search terms.
func Terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == ':' || isWordRune(r))
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127
}

// Score counts how many terms appear in the entry's key, value or tags.
func Score(e Entry, terms []string) int {
	hay := strings.ToLower(e.Key + " " + e.Value + " " + strings.Join(e.Tags, " "))
	n := 0
	for _, t := range terms {
		if strings.Contains(hay, t) {
			n++
		}
	}
	return n
}

// Rank keeps entries with a positive score, best first, ties by key.
func Rank(entries []Entry, query string, limit int) []Entry {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil
	}
	type scored struct {
		e Entry
		s int
	}
	var hits []scored
	for _, e := range entries {
		if s := Score(e, terms); s > 0 {
			hits = append(hits, scored{e, s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].s != hits[j].s {
			return hits[i].s > hits[j].s
		}
		return hits[i].e.Key < hits[j].e.Key
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.e
	}
	return out
}
