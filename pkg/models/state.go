package models

import "time"

// Watermark marks the latest committed record time.
type Watermark struct {
	LastProcessedTimestamp int64     `json:"last_processed_timestamp" bson:"last_processed_timestamp"`
	LastUpdated            time.Time `json:"last_updated" bson:"last_updated"`
}

// Time returns the watermark as a UTC time.
func (w Watermark) Time() time.Time {
	return time.UnixMilli(w.LastProcessedTimestamp).UTC()
}

// LedgerFile is the on-disk schema of the processed entity set.
type LedgerFile struct {
	ProcessedIDs []string  `json:"processed_ids"`
	LastUpdated  time.Time `json:"last_updated"`
	TotalCount   int       `json:"total_count"`
}
