package compute

import (
	"fmt"
	"testing"

	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

var (
	buildSet  = storage.SetKey{Db: 1, Typ: 1, Set: 1}
	probeSet  = storage.SetKey{Db: 1, Typ: 2, Set: 1}
	outputSet = storage.SetKey{Db: 1, Typ: 3, Set: 1}
)

func testJoinSpec() JoinSpec {
	return JoinSpec{
		Build:         buildSet,
		Probe:         probeSet,
		Output:        outputSet,
		KeyType:       chunk.TypeInt64,
		BuildTypeName: "compute.item",
		BuildKey: func(obj chunk.Object) (any, error) {
			return obj.(*item).Key, nil
		},
		ProbeKey: func(obj chunk.Object) (any, error) {
			return obj.(*order).Key, nil
		},
		Combine: func(probe, build chunk.Object) (chunk.Object, error) {
			o, it := probe.(*order), build.(*item)
			return &joined{Key: o.Key, Label: it.Label, Qty: o.Qty}, nil
		},
	}
}

type joinFixture struct {
	store  *storage.MemoryStore
	builds []*item
	probes []*order
}

// newJoinFixture loads numBuild items and numProbe orders in batches,
// so both sides span several pages.
func newJoinFixture(t *testing.T, cfg *util.Config, numBuild, numProbe int) *joinFixture {
	f := &joinFixture{store: storage.NewMemoryStore(storage.NodeID(cfg.Page.NodeId), cfg.Page.Size)}
	w := newTestWorker(f.store)
	opts := NewPipelineOptions(cfg)
	const batch = 50
	for i := 0; i < numBuild; i += batch {
		objs := make([]chunk.Object, 0, batch)
		for j := i; j < min(i+batch, numBuild); j++ {
			it := &item{Key: int64(j % 50), Label: fmt.Sprintf("i%03d", j)}
			f.builds = append(f.builds, it)
			objs = append(objs, it)
		}
		_, err := LoadObjects(w, buildSet, objs, opts)
		require.NoError(t, err)
	}
	for i := 0; i < numProbe; i += batch {
		objs := make([]chunk.Object, 0, batch)
		for j := i; j < min(i+batch, numProbe); j++ {
			o := &order{Key: int64(j % 70), Qty: int64(j)}
			f.probes = append(f.probes, o)
			objs = append(objs, o)
		}
		_, err := LoadObjects(w, probeSet, objs, opts)
		require.NoError(t, err)
	}
	return f
}

func (f *joinFixture) expected() []string {
	ret := make([]string, 0)
	for _, o := range f.probes {
		for _, it := range f.builds {
			if o.Key == it.Key {
				ret = append(ret, fmt.Sprintf("%d/%s/%d", o.Key, it.Label, o.Qty))
			}
		}
	}
	return ret
}

func (f *joinFixture) output(t *testing.T) []string {
	ret := make([]string, 0)
	for _, key := range f.store.PageKeys(outputSet) {
		page, err := f.store.Page(key)
		require.NoError(t, err)
		parsed, err := storage.ParsePage(append([]byte(nil), page.Raw()...))
		require.NoError(t, err)
		vec, err := DecodeObjectVector(parsed)
		require.NoError(t, err)
		for _, obj := range vec.Objects {
			j := obj.(*joined)
			ret = append(ret, fmt.Sprintf("%d/%s/%d", j.Key, j.Label, j.Qty))
		}
	}
	return ret
}

func (f *joinFixture) checkScratch(t *testing.T, d *JoinDriver) {
	for _, set := range d.scratchSets() {
		assert.Empty(t, f.store.PageKeys(set), "scratch set %d", set.Set)
	}
	assert.Equal(t, 0, f.store.PinnedPages())
}

func TestBroadcastJoin(t *testing.T) {
	cfg := loadTestConfig()
	f := newJoinFixture(t, cfg, 200, 150)
	d, err := NewJoinDriver(f.store, cfg, testJoinSpec())
	require.NoError(t, err)
	res, err := d.BroadcastJoin()
	require.NoError(t, err)

	want := f.expected()
	assert.Len(t, want, 440)
	assert.Equal(t, len(want), res.Rows)
	assert.Equal(t, d.RunID(), res.RunID)
	assert.Equal(t, 200, res.Merge.Merged)
	assert.Equal(t, 0, res.Merge.Dropped)
	assert.ElementsMatch(t, want, f.output(t))
	f.checkScratch(t, d)
}

func TestPartitionedJoin(t *testing.T) {
	cfg := loadTestConfig()
	f := newJoinFixture(t, cfg, 200, 150)
	d, err := NewJoinDriver(f.store, cfg, testJoinSpec())
	require.NoError(t, err)
	res, err := d.PartitionedJoin()
	require.NoError(t, err)

	want := f.expected()
	assert.Equal(t, len(want), res.Rows)
	assert.Equal(t, 200, res.Merge.Merged)
	assert.ElementsMatch(t, want, f.output(t))
	f.checkScratch(t, d)
}

func TestPartitionedJoinSingleNode(t *testing.T) {
	cfg := loadTestConfig()
	cfg.Join.NumNodes = 1
	cfg.Join.PartitionsPerNode = 3
	cfg.Pipeline.Threads = 1
	f := newJoinFixture(t, cfg, 60, 80)
	d, err := NewJoinDriver(f.store, cfg, testJoinSpec())
	require.NoError(t, err)
	res, err := d.PartitionedJoin()
	require.NoError(t, err)
	assert.Equal(t, len(f.expected()), res.Rows)
	assert.ElementsMatch(t, f.expected(), f.output(t))
	f.checkScratch(t, d)
}

func TestJoinEmptySides(t *testing.T) {
	cfg := loadTestConfig()
	f := newJoinFixture(t, cfg, 0, 40)
	d, err := NewJoinDriver(f.store, cfg, testJoinSpec())
	require.NoError(t, err)
	res, err := d.BroadcastJoin()
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rows)
	f.checkScratch(t, d)

	f = newJoinFixture(t, cfg, 40, 0)
	d, err = NewJoinDriver(f.store, cfg, testJoinSpec())
	require.NoError(t, err)
	res, err = d.PartitionedJoin()
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rows)
	f.checkScratch(t, d)
}

func TestJoinDriverErrors(t *testing.T) {
	cfg := loadTestConfig()
	store := storage.NewMemoryStore(0, cfg.Page.Size)

	spec := testJoinSpec()
	spec.Combine = nil
	_, err := NewJoinDriver(store, cfg, spec)
	assert.Error(t, err)

	spec = testJoinSpec()
	spec.KeyType = chunk.TypeHandle
	_, err = NewJoinDriver(store, cfg, spec)
	assert.Error(t, err)

	bad := *cfg
	bad.Join.MergeOverflow = "retry"
	_, err = NewJoinDriver(store, &bad, testJoinSpec())
	assert.Error(t, err)

	//a failing key function fails the build
	f := newJoinFixture(t, cfg, 20, 20)
	spec = testJoinSpec()
	spec.BuildKey = func(obj chunk.Object) (any, error) {
		return nil, fmt.Errorf("no key for %s", obj.(*item).Label)
	}
	d, err := NewJoinDriver(f.store, cfg, spec)
	require.NoError(t, err)
	_, err = d.BroadcastJoin()
	assert.ErrorContains(t, err, "no key")
	f.checkScratch(t, d)
}

func TestKeysEqual(t *testing.T) {
	assert.True(t, keysEqual(chunk.TypeInt64, int64(3), int64(3)))
	assert.False(t, keysEqual(chunk.TypeInt64, int64(3), int64(4)))
	assert.True(t, keysEqual(chunk.TypeString, "a", "a"))
	a := decimal.MustNew(150, 2)
	b := decimal.MustNew(15, 1)
	assert.True(t, keysEqual(chunk.TypeDecimal, a, b))
	assert.Equal(t, chunk.HashValue(chunk.TypeDecimal, a), chunk.HashValue(chunk.TypeDecimal, b))
}
