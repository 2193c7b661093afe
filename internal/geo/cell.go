// Package geo provides the geospatial primitives the validation pipeline
// is built on: H3 cell resolution, boundary extraction, polygon coverage
// and great-circle kinematics.
package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"
)

// Cell resolutions are fixed configuration constants, never computed per
// call. StorageResolution is the coarse grid used for caching and for
// privacy-preserving audit storage (raw coordinates are never persisted);
// GameplayResolution is the finer grid handed to gameplay features.
const (
	StorageResolution  = 7
	GameplayResolution = 9
)

// ResolveCell maps a coordinate to its H3 cell identifier at the given
// resolution. Pure and deterministic: identical inputs always yield the
// same identifier.
func ResolveCell(lat, lng float64, resolution int) string {
	return h3.LatLngToCell(h3.NewLatLng(lat, lng), resolution).String()
}

// CellBoundary returns the boundary polygon of a cell as a closed ring.
func CellBoundary(cellID string) (orb.Polygon, error) {
	cell := h3.Cell(h3.IndexFromString(cellID))
	if !cell.IsValid() {
		return nil, fmt.Errorf("invalid cell identifier: %q", cellID)
	}

	boundary := cell.Boundary()
	ring := make(orb.Ring, 0, len(boundary)+1)
	for _, ll := range boundary {
		ring = append(ring, orb.Point{ll.Lng, ll.Lat})
	}
	if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}, nil
}

// CoveringCells enumerates the cell identifiers whose area intersects the
// given polygon or multipolygon geometry at the given resolution. Used to
// precompute a zone's cell membership at creation time.
func CoveringCells(geometry orb.Geometry, resolution int) ([]string, error) {
	var polygons []orb.Polygon
	switch g := geometry.(type) {
	case orb.Polygon:
		polygons = []orb.Polygon{g}
	case orb.MultiPolygon:
		polygons = g
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", geometry.GeoJSONType())
	}

	seen := make(map[string]struct{})
	var cells []string
	for _, poly := range polygons {
		for _, cell := range h3.PolygonToCells(toGeoPolygon(poly), resolution) {
			id := cell.String()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			cells = append(cells, id)
		}
		// PolygonToCells is centroid-based; pad with the cells of the
		// outer ring's vertices so thin zones smaller than one cell
		// still get membership.
		if len(poly) > 0 {
			for _, pt := range poly[0] {
				id := ResolveCell(pt.Lat(), pt.Lon(), resolution)
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				cells = append(cells, id)
			}
		}
	}
	return cells, nil
}

func toGeoPolygon(poly orb.Polygon) h3.GeoPolygon {
	gp := h3.GeoPolygon{}
	for i, ring := range poly {
		loop := make(h3.GeoLoop, 0, len(ring))
		for _, pt := range ring {
			loop = append(loop, h3.NewLatLng(pt.Lat(), pt.Lon()))
		}
		if i == 0 {
			gp.GeoLoop = loop
		} else {
			gp.Holes = append(gp.Holes, loop)
		}
	}
	return gp
}
