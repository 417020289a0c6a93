package stores

import (
	"fmt"
	"slices"
	"strings"

	"github.com/maltedev/price-search/internal/normalize"
)

// provinceAliases maps administrative province names to canonical codes.
var provinceAliases = map[string]string{
	"PROVINCIA DE BUENOS AIRES":       "BUENOS_AIRES",
	"BUENOS AIRES":                    "BUENOS_AIRES",
	"CABA":                            "CABA",
	"CAPITAL FEDERAL":                 "CABA",
	"CIUDAD AUTONOMA DE BUENOS AIRES": "CABA",
	"SANTA FE":                        "SANTA_FE",
	"PROVINCIA DE SANTA FE":           "SANTA_FE",
	"CORDOBA":                         "CORDOBA",
	"PROVINCIA DE CORDOBA":            "CORDOBA",
}

type Resolver struct {
	stores []Store
	byID   map[string]Store
}

func NewResolver(stores []Store) *Resolver {
	r := &Resolver{
		stores: stores,
		byID:   make(map[string]Store, len(stores)),
	}
	for _, s := range stores {
		r.byID[s.ID] = s
	}
	return r
}

// StoresFor returns the sorted IDs of every store serving the location.
// Unknown locations never fail; they simply match nationwide stores.
func (r *Resolver) StoresFor(city, province string) []string {
	prov := canonicalProvince(province)
	c := canonicalCity(city)

	var ids []string
	for _, s := range r.stores {
		if slices.Contains(s.Provinces, Nationwide) ||
			slices.Contains(s.Provinces, prov) ||
			slices.Contains(s.MajorCities, c) {
			ids = append(ids, s.ID)
		}
	}

	slices.Sort(ids)
	return slices.Compact(ids)
}

func (r *Resolver) Store(id string) (Store, error) {
	s, ok := r.byID[strings.ToUpper(id)]
	if !ok {
		return Store{}, fmt.Errorf("%w: %s", ErrUnknownStore, id)
	}
	return s, nil
}

func (r *Resolver) All() []Store {
	return slices.Clone(r.stores)
}

func canonicalProvince(province string) string {
	cleaned := normalize.Text(strings.ReplaceAll(province, "_", " "))
	if alias, ok := provinceAliases[cleaned]; ok {
		return alias
	}
	return normalize.Location(cleaned)
}

func canonicalCity(city string) string {
	return normalize.Location(strings.ReplaceAll(city, "_", " "))
}
