package models

import (
	"encoding/json"
	"time"
)

// Record is one source event, held in memory between fetch and upload.
type Record struct {
	ID        string
	EventTime time.Time
	Payload   json.RawMessage
}

// EventMillis returns the event time in milliseconds since epoch.
func (r Record) EventMillis() int64 {
	return r.EventTime.UnixMilli()
}

// MaxEventMillis returns the largest event time in records, or 0 when empty.
func MaxEventMillis(records []Record) int64 {
	var max int64
	for _, r := range records {
		if ms := r.EventMillis(); ms > max {
			max = ms
		}
	}
	return max
}

// Page is one response of the recently played endpoint. Items counts every
// item the source returned, including ones skipped while parsing, so a full
// page is recognised even when some of its items were unusable.
type Page struct {
	Records []Record
	Items   int
}

// TrackRow is the normalized storage schema for one listening event.
type TrackRow struct {
	PlayedAt          string  `json:"played_at"`
	PlayedAtTimestamp int64   `json:"played_at_timestamp"`
	PlayedAtDate      string  `json:"played_at_date"`
	PlayedAtHour      int     `json:"played_at_hour"`
	RecordID          string  `json:"record_id"`
	TrackID           string  `json:"track_id"`
	TrackName         string  `json:"track_name"`
	TrackDurationMs   int64   `json:"track_duration_ms"`
	TrackPopularity   int64   `json:"track_popularity"`
	TrackExplicit     bool    `json:"track_explicit"`
	TrackPreviewURL   *string `json:"track_preview_url"`
	TrackExternalURLs string  `json:"track_external_urls"`
	TrackURI          string  `json:"track_uri"`

	Artists           string `json:"artists"`
	PrimaryArtistID   string `json:"primary_artist_id"`
	PrimaryArtistName string `json:"primary_artist_name"`

	AlbumID          string `json:"album_id"`
	AlbumName        string `json:"album_name"`
	AlbumType        string `json:"album_type"`
	AlbumReleaseDate string `json:"album_release_date"`
	AlbumTotalTracks int64  `json:"album_total_tracks"`
	AlbumImages      string `json:"album_images"`

	ContextType         *string `json:"context_type"`
	ContextURI          *string `json:"context_uri"`
	ContextExternalURLs *string `json:"context_external_urls"`

	IngestedAt string `json:"ingested_at"`
	DataSource string `json:"data_source"`
}
