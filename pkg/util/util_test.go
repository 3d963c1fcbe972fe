package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestEraseFrontAndResize(t *testing.T) {
	a := []int{1, 2, 3, 4, 5}
	a = EraseFront(a, 2)
	assert.Equal(t, []int{3, 4, 5}, a)
	a = EraseFront(a, 0)
	assert.Equal(t, []int{3, 4, 5}, a)
	a = Resize(a, 1)
	assert.Equal(t, []int{3}, a)
	a = Resize(a, 3)
	assert.Equal(t, []int{3, 0, 0}, a)
	assert.Empty(t, EraseFront(a, 10))
}

func TestReplicateSelect(t *testing.T) {
	a := []string{"a", "b", "c"}
	assert.Equal(t, []string{"a", "a", "c"}, Replicate(a, []uint32{2, 0, 1}))
	assert.Equal(t, []string{"b"}, Select(a, []bool{false, true, false}))
}

func TestBytesSerialize(t *testing.T) {
	buf := make([]byte, 16)
	ser := NewBytesSerialize(buf)
	require.NoError(t, Write[uint64](42, ser))
	require.NoError(t, WriteString("abcd", ser))
	assert.Equal(t, 16, ser.Offset())
	err := Write[uint8](1, ser)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShortBuffer))

	de := NewBytesDeserialize(buf)
	var v uint64
	require.NoError(t, Read[uint64](&v, de))
	assert.Equal(t, uint64(42), v)
	s, err := ReadString(de)
	require.NoError(t, err)
	assert.Equal(t, "abcd", s)
	_, err = ReadString(de)
	assert.True(t, errors.Is(err, ErrShortRead))
}

func TestFaultTrigger(t *testing.T) {
	Open(FAULTS_SCOPE_ARENA)
	defer Close(FAULTS_SCOPE_ARENA)
	boom := errors.New("boom")
	RegisterN(FAULTS_SCOPE_ARENA, "f", 1, 2, nil, func([]string) error {
		return boom
	})
	assert.NoError(t, Trigger(FAULTS_SCOPE_ARENA, "f"))
	assert.Equal(t, boom, Trigger(FAULTS_SCOPE_ARENA, "f"))
	assert.Equal(t, boom, Trigger(FAULTS_SCOPE_ARENA, "f"))
	assert.NoError(t, Trigger(FAULTS_SCOPE_ARENA, "f"))
	assert.Equal(t, int64(2), Fired(FAULTS_SCOPE_ARENA, "f"))
	Unregister(FAULTS_SCOPE_ARENA, "f")
	assert.NoError(t, Trigger(FAULTS_SCOPE_ARENA, "f"))
}

func TestFaultClosedScope(t *testing.T) {
	Register(FAULTS_SCOPE_PAGE, "g", nil, func([]string) error {
		return errors.New("never")
	})
	assert.NoError(t, Trigger(FAULTS_SCOPE_PAGE, "g"))
}

func TestOwner(t *testing.T) {
	var o Owner
	o.Check()
	o.Bind()
	o.Bind()
	o.Check()

	wg := errgroup.Group{}
	wg.Go(func() (retErr error) {
		defer func() {
			if xre := recover(); xre != nil {
				retErr = ConvertPanicError(xre)
			}
		}()
		o.Check()
		return nil
	})
	assert.Error(t, wg.Wait())
	o.Unbind()
	assert.False(t, o.Bound())
}

func TestHash(t *testing.T) {
	assert.Equal(t, uint64(13), HashInt64(13))
	assert.Equal(t, HashString("key"), HashString("key"))
	assert.NotEqual(t, HashString("key"), HashString("kez"))
	assert.Equal(t, HashFloat64(0), HashFloat64(-0.0))
	assert.NotEqual(t, CombineHash(1, 2), CombineHash(2, 1))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "c.toml")
	content := `
[page]
size = 4096
nodeId = 3

[pipeline]
chunkSize = 100
threads = 2

[join]
numNodes = 2
partitionsPerNode = 4
mergeOverflowPolicy = "discard"
`
	require.NoError(t, os.WriteFile(fpath, []byte(content), 0644))
	cfg, err := LoadConfig(fpath)
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.Page.Size)
	assert.Equal(t, int32(3), cfg.Page.NodeId)
	assert.Equal(t, 100, cfg.Pipeline.ChunkSize)
	assert.Equal(t, MinBatchSize, cfg.Pipeline.MinBatchSize)
	assert.Equal(t, 4, cfg.Join.PartitionsPerNode)
	assert.Equal(t, MergePolicyDiscard, cfg.Join.MergeOverflow)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[join]\nmergeOverflowPolicy = \"grow\"\n"), 0644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}
