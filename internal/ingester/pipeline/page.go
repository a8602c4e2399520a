package pipeline

import (
	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/pkg/api"
)

// Page is the unit flowing through the pipeline: a normalized,
// weight-estimated page of rows awaiting or undergoing consumption.
// A page is owned by the fetch buffer until handed to a processing task;
// after the row consumer returns its row payload is released.
type Page struct {
	PageNumber  int
	Rows        []api.Row
	IsLast      bool
	ApproxBytes int
	FieldCount  int
}

// release drops the row payload so completed pages do not retain memory.
func (p *Page) release() {
	p.Rows = nil
}

const (
	// Caps applied when estimating payload weight, so a pathological field
	// cannot dominate the estimate and estimation stays O(fields).
	maxKeyWeight   = 64
	maxValueWeight = 1024
	numericWeight  = 8
	boolWeight     = 1
	// Nested structures are only descended this far.
	maxWeightDepth = 3
)

func normalizePage(raw *api.RawPage) *Page {
	fieldCount := 0
	if len(raw.Rows) > 0 {
		fieldCount = len(raw.Rows[0])
	}
	return &Page{
		PageNumber:  raw.CurrentPage,
		Rows:        raw.Rows,
		IsLast:      !raw.HasNextPage,
		ApproxBytes: estimatePayloadWeight(raw.Rows),
		FieldCount:  fieldCount,
	}
}

// estimatePayloadWeight approximates the in-memory weight of a page by
// summing capped key and value lengths instead of serializing the rows.
func estimatePayloadWeight(rows []api.Row) int {
	weight := 0
	for _, row := range rows {
		for k, v := range row {
			weight += util.Min(len(k), maxKeyWeight)
			weight += valueWeight(v, maxWeightDepth)
		}
	}
	return weight
}

func valueWeight(v interface{}, depth int) int {
	switch v := v.(type) {
	case nil:
		return 0
	case string:
		return util.Min(len(v), maxValueWeight)
	case bool:
		return boolWeight
	case []interface{}:
		if depth == 0 {
			return numericWeight
		}
		weight := 0
		for _, e := range v {
			weight += valueWeight(e, depth-1)
		}
		return weight
	case map[string]interface{}:
		if depth == 0 {
			return numericWeight
		}
		weight := 0
		for k, e := range v {
			weight += util.Min(len(k), maxKeyWeight)
			weight += valueWeight(e, depth-1)
		}
		return weight
	case api.Row:
		return valueWeight(map[string]interface{}(v), depth)
	default:
		// Numbers and anything else of fixed size.
		return numericWeight
	}
}
