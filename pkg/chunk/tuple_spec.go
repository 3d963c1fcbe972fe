package chunk

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrAttNotFound = errors.New("attribute not found")

// TupleSpec names the attributes of a tuple set, in column order.
type TupleSpec struct {
	SetName string
	Atts    []string
}

func NewTupleSpec(setName string, atts ...string) TupleSpec {
	return TupleSpec{SetName: setName, Atts: atts}
}

func (spec TupleSpec) String() string {
	return spec.SetName + "(" + strings.Join(spec.Atts, ",") + ")"
}

// TupleSetSetupMachine maps attributes of an input spec to column ids
// and moves pass-through columns into output tuple sets.
type TupleSetSetupMachine struct {
	_input   TupleSpec
	_matches []int
}

// NewTupleSetSetupMachine builds a machine over input. When
// attsToInclude is given, those attributes are the pass-through ones.
func NewTupleSetSetupMachine(input TupleSpec, attsToInclude ...TupleSpec) (*TupleSetSetupMachine, error) {
	m := &TupleSetSetupMachine{_input: input}
	if len(attsToInclude) > 0 {
		matches, err := m.Match(attsToInclude[0])
		if err != nil {
			return nil, err
		}
		m._matches = matches
	}
	return m, nil
}

// Match returns the input column of every attribute of spec.
func (m *TupleSetSetupMachine) Match(spec TupleSpec) ([]int, error) {
	ret := make([]int, len(spec.Atts))
	for i, att := range spec.Atts {
		idx := -1
		for j, in := range m._input.Atts {
			if in == att {
				idx = j
				break
			}
		}
		if idx == -1 {
			return nil, errors.Wrapf(ErrAttNotFound, "%s in %s", att, m._input)
		}
		ret[i] = idx
	}
	return ret, nil
}

// Matches are the pass-through columns.
func (m *TupleSetSetupMachine) Matches() []int {
	return m._matches
}

// SetupTupleSet links the pass-through columns of in into out,
// starting at column offset.
func (m *TupleSetSetupMachine) SetupTupleSet(in, out *TupleSet, offset int) error {
	for i, idx := range m._matches {
		col, err := in.Column(idx)
		if err != nil {
			return err
		}
		out.AddColumn(offset+i, col, false)
	}
	return nil
}

// Replicate copies every pass-through column into out, repeating
// row r counts[r] times.
func (m *TupleSetSetupMachine) Replicate(in, out *TupleSet, counts []uint32, offset int) error {
	for i, idx := range m._matches {
		col, err := in.Column(idx)
		if err != nil {
			return err
		}
		out.AddColumn(offset+i, col.Replicate(counts), true)
	}
	return nil
}

// Filter copies every pass-through column into out, keeping the rows
// where keep is true.
func (m *TupleSetSetupMachine) Filter(in, out *TupleSet, keep []bool, offset int) error {
	for i, idx := range m._matches {
		col, err := in.Column(idx)
		if err != nil {
			return err
		}
		out.AddColumn(offset+i, col.Filter(keep), true)
	}
	return nil
}
