package mesh

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// Services lists the points of service a building offers, by URI.
type Services struct {
	MFDs            []string `json:"mfds,omitempty"`
	VendingMachines []string `json:"vendingMachines,omitempty"`
}

func (s Services) clone() Services {
	return Services{
		MFDs:            append([]string(nil), s.MFDs...),
		VendingMachines: append([]string(nil), s.VendingMachines...),
	}
}

func ensureServices(a *Attributes) *Services {
	if a.Services == nil {
		a.Services = &Services{}
	}
	return a.Services
}

// PrinterRecord is a multi-function printer known to the semantic source.
type PrinterRecord struct {
	URI      string
	Label    string
	Building string
	Room     string
}

// VendingRecord is a vending machine known to the semantic source.
type VendingRecord struct {
	URI      string
	Label    string
	Building string
}

// WorkstationRecord is an open-access workstation cluster known to the
// semantic source.
type WorkstationRecord struct {
	URI      string
	Label    string
	Building string
}

// PrinterLocation is a surveyed printer position.
type PrinterLocation struct {
	Coordinates []float64 `yaml:"coordinates"` // lon, lat
	Level       string    `yaml:"level"`
}

// PrinterLocations maps printer URIs to their surveyed position.
type PrinterLocations map[string]PrinterLocation

// LoadPrinterLocations reads the printer location YAML file. An empty path
// yields no locations.
func LoadPrinterLocations(path string) (PrinterLocations, error) {
	if path == "" {
		return PrinterLocations{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading printer locations: %w", err)
	}

	var locations PrinterLocations
	if err := yaml.Unmarshal(data, &locations); err != nil {
		return nil, fmt.Errorf("parsing printer locations YAML: %w", err)
	}

	for uri, loc := range locations {
		if len(loc.Coordinates) != 2 {
			return nil, fmt.Errorf("printer %s: coordinates must be [lon, lat]", uri)
		}
	}
	if locations == nil {
		locations = PrinterLocations{}
	}
	return locations, nil
}

// BuildPrinters creates a feature per printer record, placed and levelled
// from the location file when surveyed, and lists each printer on its
// building ordered by label regardless of case.
func BuildPrinters(records []PrinterRecord, locations PrinterLocations, buildings *EntitySet, sink *DiagnosticsSink) []*Entity {
	labels := make(map[string]string, len(records))
	known := make(map[string]bool, len(records))
	set := NewEntitySet()

	for _, r := range records {
		known[r.URI] = true
		labels[r.URI] = r.Label

		e := &Entity{ID: r.URI, Attributes: Attributes{URI: r.URI, Label: r.Label}}
		if r.Room != "" {
			e.Attributes.setExtra("room", r.Room)
		}
		if loc, ok := locations[r.URI]; ok {
			e.Geometry = PointGeometry(orb.Point{loc.Coordinates[0], loc.Coordinates[1]})
			if level, err := strconv.Atoi(strings.TrimSpace(loc.Level)); err == nil {
				e.Attributes.Level = NewLevels(level)
				e.Attributes.LevelSource = LevelFromTag
			} else if loc.Level != "" {
				sink.Record(r.URI, SeverityWarning, CategoryDecode, fmt.Sprintf("printer level %q is not an integer", loc.Level))
			}
		}
		if !set.Add(e) {
			continue
		}

		b, ok := buildings.Get(r.Building)
		if !ok {
			sink.Record(r.Building, SeverityError, CategoryLocation, MessageUnknownLocation)
			continue
		}
		s := ensureServices(&b.Attributes)
		if !containsString(s.MFDs, r.URI) {
			s.MFDs = append(s.MFDs, r.URI)
		}
	}

	for _, b := range buildings.Sorted() {
		if b.Attributes.Services == nil {
			continue
		}
		mfds := b.Attributes.Services.MFDs
		sort.SliceStable(mfds, func(i, j int) bool {
			return strings.ToUpper(labels[mfds[i]]) < strings.ToUpper(labels[mfds[j]])
		})
	}

	located := 0
	for _, uri := range sortedKeys(locations) {
		if !known[uri] {
			log.Error("Printer is not known", "uri", uri)
			sink.Record(uri, SeverityWarning, CategoryLocation, "surveyed printer has no semantic record")
			continue
		}
		located++
	}
	log.Info("Finished processing printers", "located", located, "total", len(known))

	return set.Sorted()
}

// BuildVendingMachines merges surveyed vending machines with semantic
// records by URI. Semantic-only machines become placeholders. Containment
// pointing at a site rather than a building is not reported.
func BuildVendingMachines(parts []SpatialPart, records []VendingRecord, buildings *EntitySet, sink *DiagnosticsSink) []*Entity {
	set := NewEntitySet()
	for _, p := range parts {
		e := NewEntityFromPart(p, KindNode)
		if !set.Add(e) {
			sink.Record(e.ID, SeverityWarning, CategoryDuplicate, fmt.Sprintf("vending machine %d shares its URI", p.ID))
		}
	}

	for _, r := range records {
		e, ok := set.Get(r.URI)
		if !ok {
			e = NewPlaceholder(r.URI)
			set.Add(e)
		}
		e.Attributes.Label = r.Label

		b, ok := buildings.Get(r.Building)
		if !ok {
			if !strings.Contains(r.Building, "site") {
				sink.Record(r.Building, SeverityError, CategoryLocation, MessageUnknownLocation)
			}
			continue
		}
		s := ensureServices(&b.Attributes)
		if !containsString(s.VendingMachines, r.URI) {
			s.VendingMachines = append(s.VendingMachines, r.URI)
		}
	}

	return set.Sorted()
}

// BuildWorkstations places workstation clusters. Clusters listed as room
// contents sit at the room centre; the rest sit at the centroid of their
// building.
func BuildWorkstations(rooms []*Entity, records []WorkstationRecord, buildings *EntitySet, sink *DiagnosticsSink) []*Entity {
	set := NewEntitySet()

	for _, room := range rooms {
		if room.Attributes.Center == nil {
			continue
		}
		for _, c := range room.Attributes.Contents {
			if c.Subject != WorkstationCategory {
				continue
			}
			e := &Entity{
				ID:       c.Feature,
				Geometry: PointGeometry(*room.Attributes.Center),
				Attributes: Attributes{
					URI:   c.Feature,
					Label: c.Label,
				},
			}
			e.Attributes.setExtra("room", room.Attributes.URI)
			set.Add(e)
		}
	}

	for _, r := range records {
		if _, ok := set.Get(r.URI); ok {
			continue
		}
		b, ok := buildings.Get(r.Building)
		if !ok {
			sink.Record(r.Building, SeverityError, CategoryLocation, MessageUnknownLocation)
			continue
		}
		center, ok := GeometryCentroid(b.Geometry)
		if !ok {
			sink.Record(r.URI, SeverityWarning, CategoryGeometry, "building has no geometry for workstation")
			continue
		}
		set.Add(&Entity{
			ID:         r.URI,
			Geometry:   PointGeometry(center),
			Attributes: Attributes{URI: r.URI, Label: r.Label},
		})
	}

	return set.Sorted()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
