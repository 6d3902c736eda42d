package etl

import (
	"encoding/json"
	"time"

	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/tidwall/gjson"
)

// TrackEntityType names uploaded listening history artifacts.
const TrackEntityType = "spotify_tracks"

const trackDataSource = "spotify_recently_played_api"

// Transformer maps raw recently played items to storage rows.
type Transformer struct {
	now func() time.Time
}

func NewTransformer() *Transformer {
	return &Transformer{now: time.Now}
}

// Transform converts records to rows in input order.
func (t *Transformer) Transform(records []models.Record) []models.TrackRow {
	ingestedAt := t.now().UTC().Format(time.RFC3339Nano)
	rows := make([]models.TrackRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, t.TransformRecord(r, ingestedAt))
	}
	return rows
}

func (t *Transformer) TransformRecord(r models.Record, ingestedAt string) models.TrackRow {
	item := gjson.ParseBytes(r.Payload)
	track := item.Get("track")
	album := track.Get("album")
	played := r.EventTime.UTC()

	row := models.TrackRow{
		PlayedAt:          item.Get("played_at").String(),
		PlayedAtTimestamp: played.Unix(),
		PlayedAtDate:      played.Format("2006-01-02"),
		PlayedAtHour:      played.Hour(),
		RecordID:          r.ID,

		TrackID:           track.Get("id").String(),
		TrackName:         track.Get("name").String(),
		TrackDurationMs:   track.Get("duration_ms").Int(),
		TrackPopularity:   track.Get("popularity").Int(),
		TrackExplicit:     track.Get("explicit").Bool(),
		TrackPreviewURL:   optionalString(track.Get("preview_url")),
		TrackExternalURLs: rawOr(track.Get("external_urls"), "{}"),
		TrackURI:          track.Get("uri").String(),

		Artists: artistsJSON(track.Get("artists")),

		AlbumID:          album.Get("id").String(),
		AlbumName:        album.Get("name").String(),
		AlbumType:        album.Get("album_type").String(),
		AlbumReleaseDate: album.Get("release_date").String(),
		AlbumTotalTracks: album.Get("total_tracks").Int(),
		AlbumImages:      rawOr(album.Get("images"), "[]"),

		IngestedAt: ingestedAt,
		DataSource: trackDataSource,
	}

	if primary := track.Get("artists.0"); primary.Exists() {
		row.PrimaryArtistID = primary.Get("id").String()
		row.PrimaryArtistName = primary.Get("name").String()
	}

	if playCtx := item.Get("context"); playCtx.IsObject() {
		row.ContextType = optionalString(playCtx.Get("type"))
		row.ContextURI = optionalString(playCtx.Get("uri"))
		urls := rawOr(playCtx.Get("external_urls"), "{}")
		row.ContextExternalURLs = &urls
	}

	if row.PlayedAt == "" {
		row.PlayedAt = played.Format(time.RFC3339Nano)
	}
	return row
}

type artistSummary struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	URI          string          `json:"uri"`
	ExternalURLs json.RawMessage `json:"external_urls"`
}

// artistsJSON keeps the identifying fields of each artist as a JSON array.
func artistsJSON(artists gjson.Result) string {
	list := make([]artistSummary, 0)
	artists.ForEach(func(_, a gjson.Result) bool {
		list = append(list, artistSummary{
			ID:           a.Get("id").String(),
			Name:         a.Get("name").String(),
			URI:          a.Get("uri").String(),
			ExternalURLs: json.RawMessage(rawOr(a.Get("external_urls"), "{}")),
		})
		return true
	})
	out, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(out)
}

func optionalString(r gjson.Result) *string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	s := r.String()
	return &s
}

func rawOr(r gjson.Result, fallback string) string {
	if !r.Exists() || r.Type == gjson.Null {
		return fallback
	}
	return r.Raw
}
