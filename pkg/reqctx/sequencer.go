package reqctx

import (
	"strconv"
	"strings"
)

// FailureOrdinal is reserved for terminal failure at any stage.
const FailureOrdinal = 9

// Sequencer computes tollgate labels. Success advances the stored ordinal by
// one, skipping FailureOrdinal (8 is followed by 10); failure yields <base>-9
// and leaves the ordinal untouched so the stage can be retried.
type Sequencer struct{}

func (Sequencer) Next(rc *RequestContext, success bool) string {
	if !success {
		return rc.BaseStage + "-" + strconv.Itoa(FailureOrdinal)
	}
	rc.Ordinal = nextOrdinal(rc.Ordinal)
	return rc.Stage()
}

func nextOrdinal(n int) int {
	n++
	if n == FailureOrdinal {
		n++
	}
	return n
}

// Label applies the same rule to an externally supplied stage string. It never
// fails: an unparsable ordinal returns stage unchanged on success.
func (Sequencer) Label(stage string, success bool) string {
	idx := strings.LastIndex(stage, "-")
	base := stage
	if idx >= 0 {
		base = stage[:idx]
	}
	if !success {
		return base + "-" + strconv.Itoa(FailureOrdinal)
	}
	if idx < 0 {
		return stage
	}
	n, err := strconv.Atoi(stage[idx+1:])
	if err != nil {
		return stage
	}
	return base + "-" + strconv.Itoa(nextOrdinal(n))
}
