// Package stores holds the static table of retailers and decides which of
// them serve a given location.
package stores

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maltedev/price-search/internal/scraper"
)

// Nationwide in a store's provinces list means the store serves every location.
const Nationwide = "ALL"

var ErrUnknownStore = errors.New("unknown store")

//go:embed stores.yaml
var defaultTable []byte

type Store struct {
	ID          string         `yaml:"-"`
	Provinces   []string       `yaml:"provinces"`
	MajorCities []string       `yaml:"major_cities"`
	Scrape      scraper.Config `yaml:"scrape"`
}

type table struct {
	Stores map[string]Store `yaml:"stores"`
}

// Load reads the store table from path, or the embedded default when path is
// empty. Stores are returned sorted by ID.
func Load(path string) ([]Store, error) {
	data := defaultTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read stores file: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) ([]Store, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse stores table: %w", err)
	}
	if len(t.Stores) == 0 {
		return nil, errors.New("stores table is empty")
	}

	result := make([]Store, 0, len(t.Stores))
	for id, s := range t.Stores {
		s.ID = strings.ToUpper(strings.TrimSpace(id))
		if err := s.Scrape.Validate(); err != nil {
			return nil, fmt.Errorf("store %s: %w", s.ID, err)
		}
		for i, p := range s.Provinces {
			s.Provinces[i] = canonicalProvince(p)
		}
		for i, c := range s.MajorCities {
			s.MajorCities[i] = canonicalCity(c)
		}
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
