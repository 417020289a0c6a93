// Package brand classifies product names against a list of known brands.
package brand

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/maltedev/price-search/internal/models"
	"github.com/maltedev/price-search/internal/normalize"
)

//go:embed brands.txt
var defaultBrands []byte

type Classifier struct {
	brands []string
}

// Load reads one brand per line from path, or the embedded list when path is
// empty. A CSV export with the brand in the first column also works.
func Load(path string) (*Classifier, error) {
	data := defaultBrands
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read brands file: %w", err)
		}
		data = b
	}

	var brands []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), ",")
		brands = append(brands, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read brands: %w", err)
	}

	return New(brands), nil
}

// New builds a classifier that tries longer brands first, so "LA SERENISIMA"
// wins over "SERENISIMA".
func New(brands []string) *Classifier {
	seen := make(map[string]bool, len(brands))
	c := &Classifier{}
	for _, b := range brands {
		b = normalize.Text(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		c.brands = append(c.brands, b)
	}

	sort.SliceStable(c.brands, func(i, j int) bool {
		return len(c.brands[i]) > len(c.brands[j])
	})
	return c
}

// Classify returns the first brand contained in name, or models.GenericBrand.
func (c *Classifier) Classify(name string) string {
	upper := normalize.Text(name)
	if upper == "" {
		return models.GenericBrand
	}

	for _, b := range c.brands {
		if containsWord(upper, b) {
			return b
		}
	}
	return models.GenericBrand
}

// containsWord matches brand on word boundaries so "ALA" does not match "SALAME".
func containsWord(s, brand string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], brand)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(brand)
		if (start == 0 || s[start-1] == ' ') && (end == len(s) || s[end] == ' ') {
			return true
		}
		i = start + 1
	}
}
