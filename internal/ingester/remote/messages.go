// Package remote bridges an ingestion run to a secondary execution context
// that hosts its own copy of the row-processing logic. Pages are delivered
// in size- or time-bounded batches, every message carries the run id, and
// replies for a superseded run are discarded.
package remote

import (
	"github.com/reportpump/reportpump/pkg/api"
)

type Kind string

const (
	KindInitRun   Kind = "INIT_RUN"
	KindPageBatch Kind = "PAGE_BATCH"
	KindFinalize  Kind = "FINALIZE"
	KindCancel    Kind = "CANCEL"
	KindReset     Kind = "RESET"

	KindReady         Kind = "READY"
	KindProgress      Kind = "PROGRESS"
	KindPartialResult Kind = "PARTIAL_RESULT"
	KindFinalResult   Kind = "FINAL_RESULT"
	KindCancelled     Kind = "CANCELLED"
	KindError         Kind = "ERROR"
)

// InitPayload announces a new run to the remote context.
type InitPayload struct {
	Reports    []api.ReportType `json:"reports"`
	Facilities []string         `json:"facilities"`
	DateRange  api.DateRange    `json:"dateRange"`
}

// PagePayload is one fetched page as delivered inside a PAGE_BATCH.
type PagePayload struct {
	Report     api.ReportType `json:"report"`
	FacilityID string         `json:"facilityId"`
	PageNumber int            `json:"pageNumber"`
	LastPage   int            `json:"lastPage"`
	Rows       []api.Row      `json:"rows"`
}

// ProgressPayload reports remote-side processing progress.
type ProgressPayload struct {
	Report        api.ReportType `json:"report"`
	FacilityID    string         `json:"facilityId"`
	PagesSeen     int            `json:"pagesSeen"`
	RowsProcessed int64          `json:"rowsProcessed"`
}

// Envelope is the wire message in both directions. Exactly the payload
// fields relevant to Kind are populated.
type Envelope struct {
	Kind     Kind                   `json:"kind"`
	RunID    string                 `json:"runId"`
	Init     *InitPayload           `json:"init,omitempty"`
	Pages    []PagePayload          `json:"pages,omitempty"`
	Progress *ProgressPayload       `json:"progress,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
}
