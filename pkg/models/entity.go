package models

// EntityRef is an entity as referenced inside a record payload.
type EntityRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Entity is the detailed view of an artist returned by the source.
type Entity struct {
	ID           string
	Name         string
	URI          string
	Labels       []string
	Popularity   *int64
	Followers    *int64
	ExternalURLs string
	Images       string
}

// EnrichedEntity is the storage row written for each processed entity.
type EnrichedEntity struct {
	ArtistID              string   `json:"artist_id"`
	ArtistName            string   `json:"artist_name"`
	ArtistURI             string   `json:"artist_uri"`
	Genres                string   `json:"genres"`
	GenresList            []string `json:"genres_list"`
	PrimaryGenre          *string  `json:"primary_genre"`
	GenreCount            int      `json:"genre_count"`
	Popularity            *int64   `json:"popularity"`
	FollowersTotal        *int64   `json:"followers_total"`
	ExternalURLs          string   `json:"external_urls"`
	Images                string   `json:"images"`
	IngestedAt            string   `json:"ingested_at"`
	DataSource            string   `json:"data_source"`
	OriginalGenresEmpty   bool     `json:"original_genres_empty,omitempty"`
	GenreInferenceMethods string   `json:"genre_inference_methods,omitempty"`
}
