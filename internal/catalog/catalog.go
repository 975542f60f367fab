// Package catalog loads the static reference tables: races, the map pool,
// residential regions, countries, and the inter-region ping cross-table.
// Catalogs are loaded eagerly at startup and are read-only afterwards.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evoladder/evoladder/internal/model"
)

//go:embed data/*.json
var defaults embed.FS

// RaceInfo describes one ladder race.
type RaceInfo struct {
	Code model.Race `json:"code"`
	Name string     `json:"name"`
	Game string     `json:"game"`
}

// MapInfo describes one map; only active maps are in the 1v1 pool.
type MapInfo struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Region is one of the 16 residential regions.
type Region struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Zone   string `json:"zone"`
	Server string `json:"server"`
}

// Country is one selectable profile country.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type zoneInfo struct {
	Server string `json:"server"`
}

type zonePair struct {
	A      string `json:"a"`
	B      string `json:"b"`
	Ping   int    `json:"ping"`
	Server string `json:"server"`
}

type crossTable struct {
	SameRegionPing int                 `json:"same_region_ping"`
	IntraZonePing  int                 `json:"intra_zone_ping"`
	Zones          map[string]zoneInfo `json:"zones"`
	Pairs          []zonePair          `json:"pairs"`
}

// Catalog is the immutable bundle of reference tables.
type Catalog struct {
	Races     []RaceInfo
	Maps      []MapInfo
	regions   map[string]Region
	countries map[string]Country
	cross     crossTable
	pairIdx   map[[2]string]zonePair
}

// Load reads the reference tables from dir. An empty dir loads the
// embedded defaults. Construction fails if any table is missing or
// malformed; the service must not start without its catalogs.
func Load(dir string) (*Catalog, error) {
	c := &Catalog{
		regions:   make(map[string]Region),
		countries: make(map[string]Country),
		pairIdx:   make(map[[2]string]zonePair),
	}

	var regions []Region
	var countries []Country
	for name, out := range map[string]any{
		"races.json":      &c.Races,
		"maps.json":       &c.Maps,
		"regions.json":    &regions,
		"countries.json":  &countries,
		"crosstable.json": &c.cross,
	} {
		if err := loadJSON(dir, name, out); err != nil {
			return nil, err
		}
	}

	for _, r := range regions {
		c.regions[r.Code] = r
	}
	for _, co := range countries {
		c.countries[co.Code] = co
	}
	for _, p := range c.cross.Pairs {
		c.pairIdx[[2]string{p.A, p.B}] = p
		c.pairIdx[[2]string{p.B, p.A}] = p
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadJSON(dir, name string, out any) error {
	var raw []byte
	var err error
	if dir == "" {
		raw, err = defaults.ReadFile("data/" + name)
	} else {
		raw, err = os.ReadFile(filepath.Join(dir, name))
	}
	if err != nil {
		return fmt.Errorf("load catalog %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse catalog %s: %w", name, err)
	}
	return nil
}

func (c *Catalog) validate() error {
	if len(c.Races) != len(model.Races) {
		return fmt.Errorf("catalog: expected %d races, got %d", len(model.Races), len(c.Races))
	}
	if len(c.regions) == 0 {
		return fmt.Errorf("catalog: no regions")
	}
	if len(c.ActiveMaps()) == 0 {
		return fmt.Errorf("catalog: empty active map pool")
	}
	for code, r := range c.regions {
		if _, ok := c.cross.Zones[r.Zone]; !ok {
			return fmt.Errorf("catalog: region %s references unknown zone %s", code, r.Zone)
		}
	}
	return nil
}

// ActiveMaps returns the names of the maps currently in the 1v1 pool.
func (c *Catalog) ActiveMaps() []string {
	var out []string
	for _, m := range c.Maps {
		if m.Active {
			out = append(out, m.Name)
		}
	}
	return out
}

// ValidRegion reports whether code names a known residential region.
func (c *Catalog) ValidRegion(code string) bool {
	_, ok := c.regions[code]
	return ok
}

// ValidCountry reports whether code names a known country (the private
// sentinels XX and ZZ count as valid).
func (c *Catalog) ValidCountry(code string) bool {
	_, ok := c.countries[code]
	return ok
}

// RegionCodes returns every known region code.
func (c *Catalog) RegionCodes() []string {
	out := make([]string, 0, len(c.regions))
	for code := range c.regions {
		out = append(out, code)
	}
	return out
}

// PingPenalty returns the expected inter-region latency penalty in
// milliseconds between two residential regions.
func (c *Catalog) PingPenalty(a, b string) (int, error) {
	ra, ok := c.regions[a]
	if !ok {
		return 0, fmt.Errorf("unknown region %q", a)
	}
	rb, ok := c.regions[b]
	if !ok {
		return 0, fmt.Errorf("unknown region %q", b)
	}
	if a == b {
		return c.cross.SameRegionPing, nil
	}
	if ra.Zone == rb.Zone {
		return c.cross.IntraZonePing, nil
	}
	p, ok := c.pairIdx[[2]string{ra.Zone, rb.Zone}]
	if !ok {
		return 0, fmt.Errorf("no cross-table entry for zones %s/%s", ra.Zone, rb.Zone)
	}
	return p.Ping, nil
}

// ServerFor returns the game server assigned to a pairing of the two
// residential regions. Same region uses the region's own server, same zone
// uses the zone server, and cross-zone pairs use the cross-table entry.
func (c *Catalog) ServerFor(a, b string) (string, error) {
	ra, ok := c.regions[a]
	if !ok {
		return "", fmt.Errorf("unknown region %q", a)
	}
	rb, ok := c.regions[b]
	if !ok {
		return "", fmt.Errorf("unknown region %q", b)
	}
	if a == b {
		return ra.Server, nil
	}
	if ra.Zone == rb.Zone {
		return c.cross.Zones[ra.Zone].Server, nil
	}
	p, ok := c.pairIdx[[2]string{ra.Zone, rb.Zone}]
	if !ok {
		return "", fmt.Errorf("no cross-table entry for zones %s/%s", ra.Zone, rb.Zone)
	}
	return p.Server, nil
}
