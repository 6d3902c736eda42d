package config

import (
	"fmt"
	"os"

	"github.com/BartekS5/tracksync/pkg/models"
)

// LoadGenreTable reads and parses the genre lookup table from the given path.
// It returns a pointer to a fully parsed GenreMapping or an error
// if the file cannot be read or parsed.
func LoadGenreTable(filePath string) (*models.GenreMapping, error) {
	// Read the file from disk
	bytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read genre table '%s': %w", filePath, err)
	}

	mapping, err := models.LoadMapping(bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse genre table '%s': %w", filePath, err)
	}

	return mapping, nil
}
