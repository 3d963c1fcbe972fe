package compute

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

// JoinProbe probes a built join map with the hash column of every
// input tuple set. An input row with n matches becomes n output rows:
// the matched tuples unpacked into the hash table columns and the
// pipelined attributes repeated n times.
type JoinProbe struct {
	_map      *JoinMap
	_page     *storage.Page
	_proxy    storage.DataProxy
	_machine  *chunk.TupleSetSetupMachine
	_whichAtt int
	//output column of every slot, relative to the hash table columns
	_positions []int
	_swap      bool
	_closed    bool
}

var _ ComputeExecutor = new(JoinProbe)

// NewJoinProbe probes the map on page. The page stays pinned until
// Close, which unpins it through proxy. Without swap the pipelined
// attributes come first and the hash table columns start after them.
// With swap the hash table columns come first.
func NewJoinProbe(
	page *storage.Page,
	proxy storage.DataProxy,
	positions []int,
	inputSchema, attsToOperateOn, attsToIncludeInOutput chunk.TupleSpec,
	needToSwapLHSAndRHS bool) (*JoinProbe, error) {
	m, err := DecodeJoinMap(page)
	if err != nil {
		return nil, err
	}
	probe, err := newJoinProbe(m, positions, inputSchema, attsToOperateOn, attsToIncludeInOutput, needToSwapLHSAndRHS)
	if err != nil {
		return nil, err
	}
	probe._page = page
	probe._proxy = proxy
	return probe, nil
}

func newJoinProbe(
	m *JoinMap,
	positions []int,
	inputSchema, attsToOperateOn, attsToIncludeInOutput chunk.TupleSpec,
	needToSwapLHSAndRHS bool) (*JoinProbe, error) {
	if len(positions) != m.Layout().NumSlots() {
		return nil, errors.Errorf("%d positions for %s", len(positions), m.Layout())
	}
	machine, err := chunk.NewTupleSetSetupMachine(inputSchema, attsToIncludeInOutput)
	if err != nil {
		return nil, err
	}
	which, err := machine.Match(attsToOperateOn)
	if err != nil {
		return nil, err
	}
	return &JoinProbe{
		_map:       m,
		_machine:   machine,
		_whichAtt:  which[0],
		_positions: positions,
		_swap:      needToSwapLHSAndRHS,
	}, nil
}

func (probe *JoinProbe) Process(blk *storage.AllocationBlock, input *chunk.TupleSet) (*chunk.TupleSet, error) {
	util.AssertFunc(!probe._closed)
	hashes, err := chunk.GetColumn[uint64](input, probe._whichAtt)
	if err != nil {
		return nil, err
	}
	layout := probe._map.Layout()
	cols := layout.NewColumns(len(hashes.Data))
	counts := make([]uint32, len(hashes.Data))
	overallCounter := 0
	for i, hash := range hashes.Data {
		list := probe._map.Lookup(hash)
		numHits := list.Size()
		for j := 0; j < numHits; j++ {
			layout.Unpack(list.At(j), cols)
		}
		counts[i] = uint32(numHits)
		overallCounter += numHits
	}
	layout.EraseEnd(cols, overallCounter)

	output := chunk.NewTupleSet()
	tableBase, pipelinedOffset := len(probe._machine.Matches()), 0
	if probe._swap {
		tableBase, pipelinedOffset = 0, len(probe._positions)
	}
	for slot, col := range cols {
		output.AddColumn(tableBase+probe._positions[slot], col, true)
	}
	if err = probe._machine.Replicate(input, output, counts, pipelinedOffset); err != nil {
		return nil, err
	}
	if err = chargeColumns(blk, output, output.ColumnIDs()...); err != nil {
		output.Release()
		return nil, err
	}
	return output, nil
}

// Close unpins the hash table page.
func (probe *JoinProbe) Close() error {
	if probe._closed {
		return nil
	}
	probe._closed = true
	if probe._page == nil {
		return nil
	}
	h := probe._page.Header()
	if !probe._proxy.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page) {
		return errors.Wrapf(storage.ErrUnpinFailed, "hash table page %s", probe._page.Key())
	}
	return nil
}

func (probe *JoinProbe) String() string {
	return fmt.Sprintf("JoinProbe(att %d, %s, swap %v)", probe._whichAtt, probe._map.Layout(), probe._swap)
}
