package etl

import (
	"testing"
	"time"

	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestValidateRecord(t *testing.T) {
	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		rec     models.Record
		wantErr string
	}{
		{"valid", models.Record{ID: "a", EventTime: ts, Payload: []byte(`{"track":{"id":"t"}}`)}, ""},
		{"no event time", models.Record{ID: "b", Payload: []byte(`{"track":{"id":"t"}}`)}, "missing event time"},
		{"bad json", models.Record{ID: "c", EventTime: ts, Payload: []byte(`{"track":`)}, "not valid JSON"},
		{"no track id", models.Record{ID: "d", EventTime: ts, Payload: []byte(`{"track":{"name":"x"}}`)}, "track.id"},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateRecord(tt.rec)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestFilter(t *testing.T) {
	records := makeRecords(4, testNow)
	records[1].Payload = []byte(`not json`)
	records[3].EventTime = time.Time{}

	valid, dropped := NewValidator().Filter(records)

	assert.Equal(t, 2, dropped)
	assert.Len(t, valid, 2)
	assert.Equal(t, records[0].ID, valid[0].ID)
	assert.Equal(t, records[2].ID, valid[1].ID)
}
