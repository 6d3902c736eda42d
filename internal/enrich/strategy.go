package enrich

import (
	"context"
	"strings"

	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/BartekS5/tracksync/pkg/models"
)

// FallbackLabel is assigned when no strategy produces a label.
const (
	FallbackLabel  = "unclassified"
	FallbackMethod = "fallback"
)

// ClassificationStrategy infers labels for an entity that has none.
type ClassificationStrategy interface {
	Name() string
	Infer(ctx context.Context, entity models.Entity) ([]string, error)
}

// Chain tries strategies in order and keeps the first non-empty answer.
type Chain struct {
	strategies []ClassificationStrategy
}

// NewChain builds a chain, skipping nil strategies so optional ones can be
// passed unconditionally.
func NewChain(strategies ...ClassificationStrategy) *Chain {
	c := &Chain{}
	for _, s := range strategies {
		if s != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	return c
}

// Classify returns labels and the name of the strategy that produced them.
// A failing strategy is logged and the next one is tried.
func (c *Chain) Classify(ctx context.Context, entity models.Entity) ([]string, string) {
	for _, s := range c.strategies {
		labels, err := s.Infer(ctx, entity)
		if err != nil {
			logger.Get().Warn().
				Str("strategy", s.Name()).
				Str("artist_id", entity.ID).
				Err(err).
				Msg("classification strategy failed")
			continue
		}
		if len(labels) > 0 {
			return labels, s.Name()
		}
	}
	return []string{FallbackLabel}, FallbackMethod
}

// LookupTable classifies entities from a static genre table.
type LookupTable struct {
	mapping *models.GenreMapping
}

func NewLookupTable(mapping *models.GenreMapping) *LookupTable {
	return &LookupTable{mapping: mapping}
}

func (s *LookupTable) Name() string { return "lookup_table" }

func (s *LookupTable) Infer(ctx context.Context, entity models.Entity) ([]string, error) {
	return s.mapping.Lookup(entity.ID, entity.Name), nil
}

type namePattern struct {
	label    string
	patterns []string
}

// Checked in order; the first matching label wins.
var namePatterns = []namePattern{
	{"electronic", []string{"dj ", "dj_", "electronic", "edm", "house", "techno", "trance"}},
	{"hip hop", []string{"lil ", "young ", "big ", "rapper", "mc ", "hip hop", "rap"}},
	{"rock", []string{"band", "rock", "metal", "punk"}},
	{"pop", []string{"pop", "mainstream"}},
	{"indie", []string{"indie", "alternative"}},
	{"country", []string{"country", "nashville"}},
	{"jazz", []string{"jazz", "blues"}},
	{"classical", []string{"orchestra", "symphony", "classical"}},
	{"latin", []string{"latin", "spanish", "reggaeton"}},
	{"r&b", []string{"r&b", "soul", "rnb"}},
}

// NamePattern guesses a genre from substrings of the artist name.
type NamePattern struct{}

func (NamePattern) Name() string { return "name_pattern" }

func (NamePattern) Infer(ctx context.Context, entity models.Entity) ([]string, error) {
	name := strings.ToLower(entity.Name)
	if name == "" {
		return nil, nil
	}
	for _, p := range namePatterns {
		for _, pattern := range p.patterns {
			if strings.Contains(name, pattern) {
				return []string{p.label}, nil
			}
		}
	}
	return nil, nil
}

// Popularity buckets an artist by its popularity score.
type Popularity struct{}

func (Popularity) Name() string { return "popularity_analysis" }

func (Popularity) Infer(ctx context.Context, entity models.Entity) ([]string, error) {
	if entity.Popularity == nil {
		return nil, nil
	}
	switch p := *entity.Popularity; {
	case p >= 80:
		return []string{"mainstream pop"}, nil
	case p >= 60:
		return []string{"pop"}, nil
	case p >= 40:
		return []string{"alternative"}, nil
	case p >= 20:
		return []string{"indie"}, nil
	default:
		return []string{"underground"}, nil
	}
}
