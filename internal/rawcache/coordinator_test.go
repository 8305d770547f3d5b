package rawcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixl/internal/config"
	"pixl/internal/dimse"
	"pixl/internal/logger"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu         sync.Mutex
	studies    map[string]string // study UID → resource ID
	instances  map[string][]Instance
	stats      map[string]StudyStats
	lastUpdate map[string]time.Time
	deleted    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		studies:    make(map[string]string),
		instances:  make(map[string][]Instance),
		stats:      make(map[string]StudyStats),
		lastUpdate: make(map[string]time.Time),
	}
}

func (f *fakeStore) addStudy(uid, id string, sizeMB int, instances ...Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.studies[uid] = id
	f.instances[id] = instances
	f.stats[id] = StudyStats{DiskSizeMB: sizeMB, NumInstances: len(instances)}
	f.lastUpdate[id] = time.Now().Add(-time.Hour)
}

func (f *fakeStore) FindStudyID(_ context.Context, uid string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.studies[uid]
	return id, ok, nil
}

func (f *fakeStore) ListInstances(_ context.Context, id string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[id], nil
}

func (f *fakeStore) InstanceBytes(context.Context, string) ([]byte, error) {
	return []byte{0x44}, nil
}

func (f *fakeStore) StudyStatistics(_ context.Context, id string) (StudyStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[id], nil
}

func (f *fakeStore) LastUpdate(_ context.Context, id string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdate[id], nil
}

func (f *fakeStore) ListStudies(context.Context) ([]StudySummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summaries := make([]StudySummary, 0, len(f.studies))
	for uid, id := range f.studies {
		summaries = append(summaries, StudySummary{ID: id, StudyUID: uid})
	}
	return summaries, nil
}

func (f *fakeStore) DeleteStudy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	for uid, studyID := range f.studies {
		if studyID == id {
			delete(f.studies, uid)
		}
	}
	delete(f.stats, id)
	return nil
}

// fakeMover records targeted repair C-MOVEs and fills the store.
type fakeMover struct {
	store *fakeStore
	moved [][]string
}

func (f *fakeMover) Name() string { return "primary" }

func (f *fakeMover) Echo(context.Context) error { return nil }

func (f *fakeMover) FindStudies(context.Context, dimse.StudyQuery) ([]dimse.StudyResult, error) {
	return nil, nil
}

func (f *fakeMover) FindInstances(context.Context, string) ([]dimse.InstanceResult, error) {
	return nil, nil
}

func (f *fakeMover) MoveStudy(context.Context, string) (dimse.MoveResult, error) {
	return dimse.MoveResult{}, nil
}

func (f *fakeMover) MoveInstances(_ context.Context, studyUID, seriesUID string, sops []string) (dimse.MoveResult, error) {
	f.moved = append(f.moved, sops)
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	id := f.store.studies[studyUID]
	for _, sop := range sops {
		f.store.instances[id] = append(f.store.instances[id], Instance{
			ID:                "repaired-" + sop,
			SOPInstanceUID:    sop,
			SeriesInstanceUID: seriesUID,
		})
	}
	return dimse.MoveResult{Completed: len(sops)}, nil
}

func testCoordinator(store Store, maxMB int) *Coordinator {
	return NewCoordinator(store, config.RawCacheConfig{
		StableSeconds:    1,
		MaxStorageSizeMB: maxMB,
	}, logger.NopLogger())
}

func TestMissingInstances(t *testing.T) {
	cached := []Instance{
		{SOPInstanceUID: "1.1", SeriesInstanceUID: "s1"},
		{SOPInstanceUID: "1.2", SeriesInstanceUID: "s1"},
	}
	advertised := []dimse.InstanceResult{
		{SOPInstanceUID: "1.1", SeriesInstanceUID: "s1"},
		{SOPInstanceUID: "1.2", SeriesInstanceUID: "s1"},
		{SOPInstanceUID: "1.3", SeriesInstanceUID: "s1"},
		{SOPInstanceUID: "2.1", SeriesInstanceUID: "s2"},
	}

	missing := missingInstances(cached, advertised)
	assert.Equal(t, map[string][]string{
		"s1": {"1.3"},
		"s2": {"2.1"},
	}, missing)

	assert.Empty(t, missingInstances(cached, advertised[:2]))
}

func TestEnsureComplete_RepairsMissingInstances(t *testing.T) {
	store := newFakeStore()
	store.addStudy("1.2.3", "res-1", 10,
		Instance{ID: "i1", SOPInstanceUID: "1.1", SeriesInstanceUID: "s1"},
	)
	mover := &fakeMover{store: store}
	coordinator := testCoordinator(store, 1000)

	advertised := []dimse.InstanceResult{
		{SOPInstanceUID: "1.1", SeriesInstanceUID: "s1"},
		{SOPInstanceUID: "1.2", SeriesInstanceUID: "s1"},
	}
	instances, err := coordinator.EnsureComplete(context.Background(), mover, "1.2.3", advertised)
	require.NoError(t, err)

	assert.Len(t, instances, 2)
	require.Len(t, mover.moved, 1)
	assert.Equal(t, []string{"1.2"}, mover.moved[0])
}

func TestWaitForStable_ExpectedCountShortCircuits(t *testing.T) {
	store := newFakeStore()
	store.addStudy("1.2.3", "res-1", 10,
		Instance{ID: "i1", SOPInstanceUID: "1.1", SeriesInstanceUID: "s1"},
		Instance{ID: "i2", SOPInstanceUID: "1.2", SeriesInstanceUID: "s1"},
	)
	coordinator := testCoordinator(store, 1000)

	var stable []string
	coordinator.Register(observerFunc{onStable: func(uid string) { stable = append(stable, uid) }})

	instances, err := coordinator.WaitForStable(context.Background(), "1.2.3", 2)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
	assert.Equal(t, []string{"1.2.3"}, stable)
}

func TestWaitForStable_CancelledContext(t *testing.T) {
	store := newFakeStore()
	coordinator := testCoordinator(store, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := coordinator.WaitForStable(ctx, "absent", 1)
	assert.Error(t, err)
}

func TestEvictIfNeeded_LRURespectsPins(t *testing.T) {
	store := newFakeStore()
	store.addStudy("uid-old", "res-old", 600)
	store.addStudy("uid-pinned", "res-pinned", 600)
	store.addStudy("uid-new", "res-new", 600)
	coordinator := testCoordinator(store, 1000)

	// Access order: old first, then pinned, then new.
	coordinator.Pin("uid-old")
	coordinator.Unpin("uid-old")
	time.Sleep(5 * time.Millisecond)
	coordinator.Pin("uid-pinned")
	time.Sleep(5 * time.Millisecond)
	coordinator.Pin("uid-new")
	coordinator.Unpin("uid-new")

	require.NoError(t, coordinator.EvictIfNeeded(context.Background()))

	assert.Contains(t, store.deleted, "res-old", "least recently used study must go first")
	assert.NotContains(t, store.deleted, "res-pinned", "pinned study must survive eviction")
}

type observerFunc struct {
	onStored func(studyUID, sopUID string)
	onStable func(studyUID string)
}

func (o observerFunc) OnInstanceStored(studyUID, sopUID string) {
	if o.onStored != nil {
		o.onStored(studyUID, sopUID)
	}
}

func (o observerFunc) OnStudyStable(studyUID string) {
	if o.onStable != nil {
		o.onStable(studyUID)
	}
}
