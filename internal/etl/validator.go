package etl

import (
	"fmt"

	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/tidwall/gjson"
)

// Validator drops records the transformer cannot turn into a row.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRecord checks the payload is JSON with a track id and the event
// time is set.
func (v *Validator) ValidateRecord(r models.Record) error {
	if r.EventTime.IsZero() {
		return fmt.Errorf("record %q: missing event time", r.ID)
	}
	if !gjson.ValidBytes(r.Payload) {
		return fmt.Errorf("record %q: payload is not valid JSON", r.ID)
	}
	if gjson.GetBytes(r.Payload, "track.id").String() == "" {
		return fmt.Errorf("record %q: missing required field track.id", r.ID)
	}
	return nil
}

// Filter returns the valid records and how many were dropped.
func (v *Validator) Filter(records []models.Record) ([]models.Record, int) {
	valid := make([]models.Record, 0, len(records))
	for _, r := range records {
		if err := v.ValidateRecord(r); err != nil {
			logger.Warn("Dropping invalid record: %v", err)
			continue
		}
		valid = append(valid, r)
	}
	return valid, len(records) - len(valid)
}
