package mesh

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// WorkstationCategory is the subject of room contents that are open-access
// workstations.
const WorkstationCategory = "http://id.southampton.ac.uk/point-of-interest-category/iSolutions-Workstations"

// RoomFeature is a facility of a room, such as a projector.
type RoomFeature struct {
	Feature string `json:"feature"`
	Label   string `json:"label,omitempty"`
}

// RoomContent is a point of service located within a room.
type RoomContent struct {
	Feature string `json:"feature"`
	Subject string `json:"subject,omitempty"`
	Label   string `json:"label,omitempty"`
}

// RoomDetailSource answers the per-entity questions asked during enrichment.
type RoomDetailSource interface {
	RoomFeatures(ctx context.Context, uri string) ([]RoomFeature, error)
	RoomContents(ctx context.Context, uri string) ([]RoomContent, error)
	Images(ctx context.Context, uri string) ([]ImageRecord, error)
}

func addFeature(a *Attributes, f RoomFeature) {
	for i, existing := range a.Features {
		if existing.Feature == f.Feature {
			if existing.Label == "" {
				a.Features[i].Label = f.Label
			}
			return
		}
	}
	a.Features = append(a.Features, f)
}

func addContent(a *Attributes, c RoomContent) {
	for i, existing := range a.Contents {
		if existing.Feature == c.Feature {
			if existing.Subject == "" {
				a.Contents[i].Subject = c.Subject
			}
			if existing.Label == "" {
				a.Contents[i].Label = c.Label
			}
			return
		}
	}
	a.Contents = append(a.Contents, c)
}

// EnrichRooms fetches features, contents and images for every room with a
// URI, at most limit at a time. Each task writes only to its own room. A
// failed fetch is recorded against the room and does not stop the others;
// only cancellation of ctx is returned.
func EnrichRooms(ctx context.Context, rooms []*Entity, src RoomDetailSource, limit int, sink *DiagnosticsSink) error {
	return fanOut(ctx, rooms, limit, func(ctx context.Context, room *Entity) error {
		uri := room.Attributes.URI

		features, err := src.RoomFeatures(ctx, uri)
		if err != nil {
			return fmt.Errorf("room features: %w", err)
		}
		contents, err := src.RoomContents(ctx, uri)
		if err != nil {
			return fmt.Errorf("room contents: %w", err)
		}
		images, err := src.Images(ctx, uri)
		if err != nil {
			return fmt.Errorf("room images: %w", err)
		}

		a := &room.Attributes
		if a.Features == nil {
			a.Features = []RoomFeature{}
		}
		for _, f := range features {
			addFeature(a, f)
		}
		if a.Contents == nil {
			a.Contents = []RoomContent{}
		}
		for _, c := range contents {
			addContent(a, c)
		}
		for _, g := range GroupImages(images) {
			for _, v := range g.Versions {
				a.Images = AddImageVersion(a.Images, v, g.License, g.Creator)
			}
		}
		return nil
	}, sink)
}

// EnrichImages attaches grouped images to every entity with a URI
func EnrichImages(ctx context.Context, entities []*Entity, src RoomDetailSource, limit int, sink *DiagnosticsSink) error {
	return fanOut(ctx, entities, limit, func(ctx context.Context, e *Entity) error {
		images, err := src.Images(ctx, e.Attributes.URI)
		if err != nil {
			return fmt.Errorf("images: %w", err)
		}
		e.Attributes.Images = GroupImages(images)
		return nil
	}, sink)
}

// fanOut runs fn for each entity with a URI. Errors from fn become fetch
// warnings; the group itself only fails when ctx is done.
func fanOut(ctx context.Context, entities []*Entity, limit int, fn func(context.Context, *Entity) error, sink *DiagnosticsSink) error {
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, e := range entities {
		if e.Attributes.URI == "" {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(gctx, e); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("Enrichment failed", "entity", e.ID, "err", err)
				sink.Record(e.ID, SeverityWarning, CategoryFetch, err.Error())
			}
			return nil
		})
	}

	return g.Wait()
}
