package source

import (
	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/tidwall/gjson"
)

// ExtractEntities returns the distinct artists referenced by records, in the
// order they are first seen.
func ExtractEntities(records []models.Record) []models.EntityRef {
	seen := make(map[string]struct{})
	var out []models.EntityRef
	for _, r := range records {
		for _, a := range gjson.GetBytes(r.Payload, "track.artists").Array() {
			id := a.Get("id").String()
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, models.EntityRef{
				ID:   id,
				Name: a.Get("name").String(),
				URI:  a.Get("uri").String(),
			})
		}
	}
	return out
}
