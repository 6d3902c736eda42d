package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

var (
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	validGenreRe = regexp.MustCompile(`^[a-zA-Z\s-]+$`)
)

// Common page genres folded into broader labels.
var genreAliases = map[string]string{
	"indie rock":          "indie",
	"alternative rock":    "alternative",
	"hip hop":             "hip-hop",
	"electronic dance":    "electronic",
	"pop rock":            "pop",
	"folk rock":           "folk",
	"country rock":        "country",
	"jazz fusion":         "jazz",
	"classical crossover": "classical",
	"latin pop":           "latin",
	"rhythm and blues":    "r-b",
}

// PageLookup searches an external genre map site and reads the genre from the
// first result link that mentions the artist. Answers, including misses, are
// cached for the life of the process.
type PageLookup struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu    sync.Mutex
	cache map[string]string
}

// NewPageLookup returns nil when baseURL is empty so it can be passed to
// NewChain unconditionally.
func NewPageLookup(baseURL string, httpClient *http.Client) *PageLookup {
	if baseURL == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &PageLookup{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		cache:      make(map[string]string),
	}
}

func (s *PageLookup) Name() string { return "external_lookup" }

// Infer is a no-op on a nil lookup.
func (s *PageLookup) Infer(ctx context.Context, entity models.Entity) ([]string, error) {
	name := strings.TrimSpace(nonWordRe.ReplaceAllString(entity.Name, ""))
	if s == nil || name == "" {
		return nil, nil
	}
	cacheKey := strings.ToLower(name)

	s.mu.Lock()
	genre, hit := s.cache[cacheKey]
	s.mu.Unlock()
	if !hit {
		var err error
		genre, err = s.search(ctx, name)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[cacheKey] = genre
		s.mu.Unlock()
	}

	if genre == "" {
		return nil, nil
	}
	return []string{genre}, nil
}

func (s *PageLookup) search(ctx context.Context, name string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqURL := s.baseURL + "/search.cgi?" + url.Values{"q": {name}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; tracksync)")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrTransient, fmt.Errorf("genre lookup for %q: %w", name, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("genre lookup for %q returned status %d", name, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse genre lookup page: %w", err)
	}
	return extractGenre(doc, name), nil
}

func extractGenre(doc *goquery.Document, artist string) string {
	artistLower := strings.ToLower(artist)
	var genre string
	doc.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(strings.TrimSpace(link.Text())), artistLower) {
			return true
		}
		href, _ := link.Attr("href")
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if g := cleanGenre(u.Query().Get("genre")); g != "" {
			genre = g
			return false
		}
		return true
	})
	return genre
}

func cleanGenre(raw string) string {
	g := strings.ReplaceAll(raw, "+", " ")
	g = nonWordRe.ReplaceAllString(g, "")
	g = strings.ToLower(strings.Join(strings.Fields(g), " "))
	if len(g) < 2 || len(g) > 50 || !validGenreRe.MatchString(g) {
		return ""
	}
	if alias, ok := genreAliases[g]; ok {
		return alias
	}
	return g
}
