package mesh

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

const sparqlPrefixes = `PREFIX rdf: <http://www.w3.org/1999/02/22-rdf-syntax-ns#>
PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>
PREFIX ns1: <http://vocab.deri.ie/rooms#>
PREFIX soton: <http://id.southampton.ac.uk/ns/>
PREFIX spacerel: <http://data.ordnancesurvey.co.uk/ontology/spatialrelations/>
PREFIX dct: <http://purl.org/dc/terms/>
PREFIX oo: <http://purl.org/openorg/>
PREFIX foaf: <http://xmlns.com/foaf/0.1/>
PREFIX nfo: <http://www.semanticdesktop.org/ontologies/2007/03/22/nfo#>
PREFIX gr: <http://purl.org/goodrelations/v1#>
`

const roomsQuery = sparqlPrefixes + `SELECT * WHERE {
  { ?room a ns1:Room ; rdf:type ?type ; rdfs:label ?label ; spacerel:within ?building . }
  UNION
  { ?room a soton:SyllabusLocation ; rdf:type ?type ; rdfs:label ?label ; spacerel:within ?building . }
}`

const roomFeaturesQuery = sparqlPrefixes + `SELECT ?feature ?label WHERE {
  <%s> oo:hasFeature ?feature .
  ?feature rdfs:label ?label .
}`

const roomContentsQuery = sparqlPrefixes + `SELECT ?roomFeature ?subject ?label WHERE {
  ?roomFeature spacerel:within <%s> ; rdfs:label ?label ; dct:subject ?subject .
}`

const imagesQuery = sparqlPrefixes + `PREFIX dcterms: <http://purl.org/dc/terms/>
SELECT * WHERE {
  GRAPH <http://id.southampton.ac.uk/dataset/photos/latest> {
    ?image a foaf:Image ; foaf:depicts <%s> ; nfo:width ?width ; nfo:height ?height .
    OPTIONAL { ?image dcterms:creator ?creator . }
    OPTIONAL { ?image dcterms:license ?license . }
  }
}`

const printersQuery = sparqlPrefixes + `SELECT * WHERE {
  ?mdf a <http://www.productontology.org/id/Multifunction_printer> ; rdfs:label ?label ; spacerel:within ?building .
  ?building rdf:type soton:UoSBuilding .
  OPTIONAL { ?mdf spacerel:within ?room . ?room rdf:type ns1:Room }
}`

const vendingQuery = sparqlPrefixes + `SELECT * WHERE {
  ?uri a gr:LocationOfSalesOrServiceProvisioning ; rdfs:label ?label ;
       soton:vendingMachineModel ?model ; soton:vendingMachineType ?type ;
       spacerel:within ?building .
}`

const workstationsQuery = sparqlPrefixes + `SELECT * WHERE {
  ?workstation a gr:LocationOfSalesOrServiceProvisioning ;
               dct:subject <` + WorkstationCategory + `> ;
               rdfs:label ?label ; spacerel:within ?building .
  ?building rdf:type soton:UoSBuilding .
}`

// SPARQLSource answers the pipeline's semantic questions from a SPARQL
// endpoint.
type SPARQLSource struct {
	client *SPARQLClient
}

// NewSPARQLSource wraps client
func NewSPARQLSource(client *SPARQLClient) *SPARQLSource {
	return &SPARQLSource{client: client}
}

// RoomFacts returns label, type and containment facts for every room
func (s *SPARQLSource) RoomFacts(ctx context.Context) ([]SemanticFact, error) {
	res, err := s.client.Query(ctx, roomsQuery)
	if err != nil {
		return nil, fmt.Errorf("room facts: %w", err)
	}

	facts := make([]SemanticFact, 0, len(res.Results.Bindings)*3)
	for _, b := range res.Results.Bindings {
		room := b.Get("room")
		if room == "" {
			continue
		}
		if label := b.Get("label"); label != "" {
			facts = append(facts, SemanticFact{Subject: room, Category: FactLabel, Value: label})
		}
		if t := b.Get("type"); t != "" {
			facts = append(facts, SemanticFact{Subject: room, Category: FactType, Value: t})
		}
		if building := b.Get("building"); building != "" {
			facts = append(facts, SemanticFact{Subject: room, Category: FactWithin, Value: building})
		}
	}
	log.Debug("Fetched room facts", "bindings", len(res.Results.Bindings), "facts", len(facts))
	return facts, nil
}

// RoomFeatures returns the facilities of a room
func (s *SPARQLSource) RoomFeatures(ctx context.Context, uri string) ([]RoomFeature, error) {
	res, err := s.queryFor(ctx, roomFeaturesQuery, uri)
	if err != nil {
		return nil, err
	}
	features := make([]RoomFeature, 0, len(res.Results.Bindings))
	for _, b := range res.Results.Bindings {
		features = append(features, RoomFeature{Feature: b.Get("feature"), Label: b.Get("label")})
	}
	return features, nil
}

// RoomContents returns the points of service within a room
func (s *SPARQLSource) RoomContents(ctx context.Context, uri string) ([]RoomContent, error) {
	res, err := s.queryFor(ctx, roomContentsQuery, uri)
	if err != nil {
		return nil, err
	}
	contents := make([]RoomContent, 0, len(res.Results.Bindings))
	for _, b := range res.Results.Bindings {
		contents = append(contents, RoomContent{
			Feature: b.Get("roomFeature"),
			Subject: b.Get("subject"),
			Label:   b.Get("label"),
		})
	}
	return contents, nil
}

// Images returns the photos depicting uri
func (s *SPARQLSource) Images(ctx context.Context, uri string) ([]ImageRecord, error) {
	res, err := s.queryFor(ctx, imagesQuery, uri)
	if err != nil {
		return nil, err
	}
	images := make([]ImageRecord, 0, len(res.Results.Bindings))
	for _, b := range res.Results.Bindings {
		width, _ := b.Int("width")
		height, _ := b.Int("height")
		images = append(images, ImageRecord{
			URL:     b.Get("image"),
			Width:   width,
			Height:  height,
			Creator: b.Get("creator"),
			License: b.Get("license"),
		})
	}
	return images, nil
}

// Printers returns every multi-function printer in a university building
func (s *SPARQLSource) Printers(ctx context.Context) ([]PrinterRecord, error) {
	res, err := s.client.Query(ctx, printersQuery)
	if err != nil {
		return nil, fmt.Errorf("printers: %w", err)
	}
	seen := make(map[string]bool)
	var printers []PrinterRecord
	for _, b := range res.Results.Bindings {
		uri := b.Get("mdf")
		if seen[uri] {
			continue
		}
		seen[uri] = true
		printers = append(printers, PrinterRecord{
			URI:      uri,
			Label:    b.Get("label"),
			Building: b.Get("building"),
			Room:     b.Get("room"),
		})
	}
	return printers, nil
}

// VendingMachines returns every vending machine
func (s *SPARQLSource) VendingMachines(ctx context.Context) ([]VendingRecord, error) {
	res, err := s.client.Query(ctx, vendingQuery)
	if err != nil {
		return nil, fmt.Errorf("vending machines: %w", err)
	}
	machines := make([]VendingRecord, 0, len(res.Results.Bindings))
	for _, b := range res.Results.Bindings {
		machines = append(machines, VendingRecord{
			URI:      b.Get("uri"),
			Label:    b.Get("label"),
			Building: b.Get("building"),
		})
	}
	return machines, nil
}

// Workstations returns every open-access workstation cluster
func (s *SPARQLSource) Workstations(ctx context.Context) ([]WorkstationRecord, error) {
	res, err := s.client.Query(ctx, workstationsQuery)
	if err != nil {
		return nil, fmt.Errorf("workstations: %w", err)
	}
	workstations := make([]WorkstationRecord, 0, len(res.Results.Bindings))
	for _, b := range res.Results.Bindings {
		workstations = append(workstations, WorkstationRecord{
			URI:      b.Get("workstation"),
			Label:    b.Get("label"),
			Building: b.Get("building"),
		})
	}
	return workstations, nil
}

func (s *SPARQLSource) queryFor(ctx context.Context, template, uri string) (*SPARQLResults, error) {
	if !isSafeIRI(uri) {
		return nil, fmt.Errorf("refusing to query unsafe IRI %q", uri)
	}
	return s.client.Query(ctx, fmt.Sprintf(template, uri))
}

// isSafeIRI rejects values that could escape an <IRI> in query text
func isSafeIRI(uri string) bool {
	return uri != "" && !strings.ContainsAny(uri, "<>\"{}|^`\\ \n\t")
}
