package compute

// JoinSinkStage is the build state of a join sink.
type JoinSinkStage int

const (
	JSS_EMPTY JoinSinkStage = iota
	JSS_BUILDING
	JSS_ROLLBACK
	JSS_COMPLETE
)

func (stage JoinSinkStage) String() string {
	switch stage {
	case JSS_EMPTY:
		return "empty"
	case JSS_BUILDING:
		return "building"
	case JSS_ROLLBACK:
		return "rollback"
	case JSS_COMPLETE:
		return "complete"
	default:
		panic("usp")
	}
}

type MergeOverflowPolicy int

const (
	// MergeOverflowError stops the merge with the out of space error.
	MergeOverflowError MergeOverflowPolicy = iota
	// MergeOverflowDiscard logs and drops what is left of the source.
	MergeOverflowDiscard
)

func (policy MergeOverflowPolicy) String() string {
	switch policy {
	case MergeOverflowError:
		return "error"
	case MergeOverflowDiscard:
		return "discard"
	default:
		panic("usp")
	}
}

// MergeStats counts the tuples of one merge.
type MergeStats struct {
	Merged  int
	Dropped int
}

func (stats *MergeStats) Add(o MergeStats) {
	stats.Merged += o.Merged
	stats.Dropped += o.Dropped
}
