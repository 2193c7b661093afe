package spatial

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/geoguard/internal/geo"
	"github.com/sawpanic/geoguard/internal/persistence"
	"github.com/sawpanic/geoguard/internal/store"
)

type fakeCellRepo struct {
	sets   map[string]persistence.CellZoneSet
	getErr error
	putErr error
	puts   int
	dels   int
}

func (f *fakeCellRepo) Get(_ context.Context, cellID string) (*persistence.CellZoneSet, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if set, ok := f.sets[cellID]; ok {
		return &set, nil
	}
	return nil, nil
}

func (f *fakeCellRepo) Put(_ context.Context, set persistence.CellZoneSet, _ time.Time) error {
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	if f.sets == nil {
		f.sets = make(map[string]persistence.CellZoneSet)
	}
	f.sets[set.CellID] = set
	return nil
}

func (f *fakeCellRepo) Delete(_ context.Context, cellID string) error {
	f.dels++
	delete(f.sets, cellID)
	return nil
}

type fakeZoneRepo struct {
	active    []persistence.ExclusionZone
	activeErr error
	cells     map[string][]string
}

func (f *fakeZoneRepo) Create(context.Context, persistence.ExclusionZone) error { return nil }
func (f *fakeZoneRepo) Delete(context.Context, string) error                    { return nil }
func (f *fakeZoneRepo) GetByID(context.Context, string) (*persistence.ExclusionZone, error) {
	return nil, nil
}
func (f *fakeZoneRepo) GetByIDs(context.Context, []string) ([]persistence.ExclusionZone, error) {
	return nil, nil
}

func (f *fakeZoneRepo) ActiveIntersecting(_ context.Context, _ orb.Polygon, _ time.Time) ([]persistence.ExclusionZone, error) {
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	return f.active, nil
}

func (f *fakeZoneRepo) MemberCells(_ context.Context, id string) ([]string, error) {
	return f.cells[id], nil
}

func newTestCache(t *testing.T, cells persistence.CellCacheRepo, zones persistence.ZoneRepo) (*Cache, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	return New(store.New(client, time.Second, "gg"), cells, zones, DefaultConfig()), mock
}

func testCellID() string {
	return geo.ResolveCell(40.7484, -73.9857, geo.StorageResolution)
}

func TestZonesForCellComputesAndPopulatesOnFullMiss(t *testing.T) {
	cellID := testCellID()
	key := "gg:cellzones:" + cellID

	cells := &fakeCellRepo{}
	zones := &fakeZoneRepo{active: []persistence.ExclusionZone{
		{ID: "zone-b", Category: persistence.CategoryHospital},
		{ID: "zone-a", Category: persistence.CategorySchool},
	}}
	cache, mock := newTestCache(t, cells, zones)

	mock.ExpectGet(key).RedisNil()
	mock.Regexp().ExpectSet(key, `.*`, DefaultConfig().RedisTTL).SetVal("OK")

	set, err := cache.ZonesForCell(context.Background(), cellID)
	require.NoError(t, err)

	assert.Equal(t, []string{"zone-a", "zone-b"}, set.ZoneIDs, "computed set must be sorted for determinism")
	assert.Equal(t, []string{"school", "hospital"}, set.Categories)
	assert.Equal(t, 1, cells.puts, "durable tier must be populated on compute")

	// The local tier was populated too; a second read never touches
	// Redis or the durable store.
	again, err := cache.ZonesForCell(context.Background(), cellID)
	require.NoError(t, err)
	assert.Equal(t, set.ZoneIDs, again.ZoneIDs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZonesForCellRedisHitPopulatesLocal(t *testing.T) {
	cellID := testCellID()
	key := "gg:cellzones:" + cellID

	cached := persistence.CellZoneSet{CellID: cellID, ZoneIDs: []string{"zone-x"}, ComputedAt: time.Now().UTC()}
	raw, err := json.Marshal(cached)
	require.NoError(t, err)

	cache, mock := newTestCache(t, &fakeCellRepo{}, &fakeZoneRepo{})
	mock.ExpectGet(key).SetVal(string(raw))

	set, err := cache.ZonesForCell(context.Background(), cellID)
	require.NoError(t, err)
	assert.Equal(t, []string{"zone-x"}, set.ZoneIDs)

	// Local now holds the entry.
	local, ok := cache.local.Get(cellID)
	require.True(t, ok)
	assert.Equal(t, []string{"zone-x"}, local.ZoneIDs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZonesForCellDurableHitBackfillsUpperTiers(t *testing.T) {
	cellID := testCellID()
	key := "gg:cellzones:" + cellID

	cells := &fakeCellRepo{sets: map[string]persistence.CellZoneSet{
		cellID: {CellID: cellID, ZoneIDs: []string{"zone-d"}, ComputedAt: time.Now().UTC()},
	}}
	cache, mock := newTestCache(t, cells, &fakeZoneRepo{})

	mock.ExpectGet(key).RedisNil()
	mock.Regexp().ExpectSet(key, `.*`, DefaultConfig().RedisTTL).SetVal("OK")

	set, err := cache.ZonesForCell(context.Background(), cellID)
	require.NoError(t, err)
	assert.Equal(t, []string{"zone-d"}, set.ZoneIDs)

	_, ok := cache.local.Get(cellID)
	assert.True(t, ok, "durable hit must backfill the local tier")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZonesForCellRedisFailureDegradesToDurable(t *testing.T) {
	cellID := testCellID()
	key := "gg:cellzones:" + cellID

	cells := &fakeCellRepo{sets: map[string]persistence.CellZoneSet{
		cellID: {CellID: cellID, ZoneIDs: []string{"zone-d"}, ComputedAt: time.Now().UTC()},
	}}
	cache, mock := newTestCache(t, cells, &fakeZoneRepo{})

	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	mock.Regexp().ExpectSet(key, `.*`, DefaultConfig().RedisTTL).SetErr(errors.New("connection refused"))

	set, err := cache.ZonesForCell(context.Background(), cellID)
	require.NoError(t, err, "a failed tier degrades to the next, never fails the read")
	assert.Equal(t, []string{"zone-d"}, set.ZoneIDs)
}

func TestZonesForCellAllTiersDownIsUnavailable(t *testing.T) {
	cellID := testCellID()
	key := "gg:cellzones:" + cellID

	cells := &fakeCellRepo{getErr: errors.New("db down")}
	zones := &fakeZoneRepo{activeErr: errors.New("db down")}
	cache, mock := newTestCache(t, cells, zones)

	mock.ExpectGet(key).RedisNil()

	_, err := cache.ZonesForCell(context.Background(), cellID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable, "total failure must be an explicit error, not an empty set")
}

func TestZonesForCellEmptySetIsCached(t *testing.T) {
	cellID := testCellID()
	key := "gg:cellzones:" + cellID

	cells := &fakeCellRepo{}
	cache, mock := newTestCache(t, cells, &fakeZoneRepo{})

	mock.ExpectGet(key).RedisNil()
	mock.Regexp().ExpectSet(key, `.*`, DefaultConfig().RedisTTL).SetVal("OK")

	set, err := cache.ZonesForCell(context.Background(), cellID)
	require.NoError(t, err)
	assert.Empty(t, set.ZoneIDs)
	assert.Equal(t, 1, cells.puts, `"known: no zones" is a cacheable result`)
}

func TestInvalidateCellClearsAllTiers(t *testing.T) {
	cellID := testCellID()
	key := "gg:cellzones:" + cellID

	cells := &fakeCellRepo{sets: map[string]persistence.CellZoneSet{
		cellID: {CellID: cellID, ZoneIDs: []string{"zone-d"}},
	}}
	cache, mock := newTestCache(t, cells, &fakeZoneRepo{})
	cache.local.Put(persistence.CellZoneSet{CellID: cellID, ZoneIDs: []string{"zone-d"}})

	mock.ExpectDel(key).SetVal(1)

	require.NoError(t, cache.InvalidateCell(context.Background(), cellID))

	_, ok := cache.local.Get(cellID)
	assert.False(t, ok)
	assert.Empty(t, cells.sets)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateCellIdempotent(t *testing.T) {
	cellID := testCellID()
	key := "gg:cellzones:" + cellID

	cache, mock := newTestCache(t, &fakeCellRepo{}, &fakeZoneRepo{})
	mock.ExpectDel(key).SetVal(0)

	assert.NoError(t, cache.InvalidateCell(context.Background(), cellID), "clearing an absent cell is a no-op")
}

func TestInvalidateZoneClearsMemberCells(t *testing.T) {
	cellA := geo.ResolveCell(40.7484, -73.9857, geo.StorageResolution)
	cellB := geo.ResolveCell(51.5007, -0.1246, geo.StorageResolution)

	cells := &fakeCellRepo{}
	zones := &fakeZoneRepo{cells: map[string][]string{"zone-1": {cellA, cellB}}}
	cache, mock := newTestCache(t, cells, zones)

	mock.ExpectDel("gg:cellzones:" + cellA).SetVal(1)
	mock.ExpectDel("gg:cellzones:" + cellB).SetVal(1)

	require.NoError(t, cache.InvalidateZone(context.Background(), "zone-1"))
	assert.Equal(t, 2, cells.dels)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCellIsPure(t *testing.T) {
	cache, _ := newTestCache(t, &fakeCellRepo{}, &fakeZoneRepo{})

	a := cache.ResolveCell(40.7484, -73.9857)
	b := cache.ResolveCell(40.7484, -73.9857)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, cache.ResolveGameplayCell(40.7484, -73.9857))
}

func TestOccupancy(t *testing.T) {
	cache, _ := newTestCache(t, &fakeCellRepo{}, &fakeZoneRepo{})
	cache.local.Put(persistence.CellZoneSet{CellID: "cell-a"})

	entries, capacity := cache.Occupancy()
	assert.Equal(t, 1, entries)
	assert.Equal(t, DefaultConfig().LocalSize, capacity)
}
