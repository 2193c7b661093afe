package geo

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCellDeterministic(t *testing.T) {
	a := ResolveCell(40.7484, -73.9857, StorageResolution)
	b := ResolveCell(40.7484, -73.9857, StorageResolution)

	assert.Equal(t, a, b, "identical coordinates must map to the same cell")
	assert.NotEmpty(t, a)
}

func TestResolveCellResolutions(t *testing.T) {
	coarse := ResolveCell(40.7484, -73.9857, StorageResolution)
	fine := ResolveCell(40.7484, -73.9857, GameplayResolution)

	assert.NotEqual(t, coarse, fine, "different resolutions yield different identifiers")
}

func TestResolveCellSeparatesDistantPoints(t *testing.T) {
	nyc := ResolveCell(40.7484, -73.9857, StorageResolution)
	london := ResolveCell(51.5007, -0.1246, StorageResolution)

	assert.NotEqual(t, nyc, london)
}

func TestCellBoundaryClosedRing(t *testing.T) {
	cellID := ResolveCell(40.7484, -73.9857, StorageResolution)

	poly, err := CellBoundary(cellID)
	require.NoError(t, err)
	require.Len(t, poly, 1)

	ring := poly[0]
	require.GreaterOrEqual(t, len(ring), 7, "hexagon ring plus closing point")
	assert.Equal(t, ring[0], ring[len(ring)-1], "ring must be closed")
}

func TestCellBoundaryInvalidID(t *testing.T) {
	_, err := CellBoundary("not-a-cell")
	assert.Error(t, err)
}

func TestCoveringCellsContainsInteriorPoint(t *testing.T) {
	// A small square around the Empire State Building.
	square := orb.Polygon{{
		{-73.9870, 40.7475},
		{-73.9845, 40.7475},
		{-73.9845, 40.7495},
		{-73.9870, 40.7495},
		{-73.9870, 40.7475},
	}}

	cells, err := CoveringCells(square, StorageResolution)
	require.NoError(t, err)
	require.NotEmpty(t, cells)

	assert.Contains(t, cells, ResolveCell(40.7484, -73.9857, StorageResolution),
		"the cell of an interior point must be covered")
}

func TestCoveringCellsNoDuplicates(t *testing.T) {
	square := orb.Polygon{{
		{-73.99, 40.74},
		{-73.97, 40.74},
		{-73.97, 40.76},
		{-73.99, 40.76},
		{-73.99, 40.74},
	}}

	cells, err := CoveringCells(square, GameplayResolution)
	require.NoError(t, err)

	seen := make(map[string]struct{}, len(cells))
	for _, id := range cells {
		_, dup := seen[id]
		assert.False(t, dup, "duplicate cell %s", id)
		seen[id] = struct{}{}
	}
}

func TestCoveringCellsRejectsUnsupportedGeometry(t *testing.T) {
	_, err := CoveringCells(orb.Point{-73.98, 40.75}, StorageResolution)
	assert.Error(t, err)
}

func TestDistanceMetersKnownPair(t *testing.T) {
	// Empire State Building to Times Square, roughly 1.1 km.
	d := DistanceMeters(40.7484, -73.9857, 40.7580, -73.9855)

	assert.InDelta(t, 1070, d, 60)
}

func TestDistanceMetersZeroForSamePoint(t *testing.T) {
	assert.Zero(t, DistanceMeters(40.7484, -73.9857, 40.7484, -73.9857))
}

func TestSpeedKmh(t *testing.T) {
	assert.InDelta(t, 60.0, SpeedKmh(1000, time.Minute), 1e-9)
	assert.InDelta(t, 5.0, SpeedKmh(5000, time.Hour), 1e-9)
}

func TestSpeedKmhNonPositiveElapsed(t *testing.T) {
	assert.Zero(t, SpeedKmh(1000, 0))
	assert.Zero(t, SpeedKmh(1000, -time.Second))
}

func TestBearingDegreesDueNorth(t *testing.T) {
	b := BearingDegrees(40.0, -73.98, 41.0, -73.98)
	assert.InDelta(t, 0, b, 1.0)
}
