package models

import (
	"encoding/json"
	"strings"
)

// GenreMapping represents the root of the JSON genre table file used by the
// lookup classification strategy.
type GenreMapping struct {
	Version string              `json:"version"`
	ByID    map[string][]string `json:"byId"`
	ByName  map[string][]string `json:"byName"`
}

// Lookup returns labels for an entity, preferring an id match over a
// case-insensitive name match.
func (m *GenreMapping) Lookup(id, name string) []string {
	if m == nil {
		return nil
	}
	if labels, ok := m.ByID[id]; ok && len(labels) > 0 {
		return labels
	}
	if labels, ok := m.ByName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return labels
	}
	return nil
}

func LoadMapping(data []byte) (*GenreMapping, error) {
	var m GenreMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	// Names are matched lower-cased.
	if len(m.ByName) > 0 {
		normalized := make(map[string][]string, len(m.ByName))
		for k, v := range m.ByName {
			normalized[strings.ToLower(strings.TrimSpace(k))] = v
		}
		m.ByName = normalized
	}
	return &m, nil
}
