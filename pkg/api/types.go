// Package api contains the types exchanged between reportpump and the report
// service it ingests from, together with the callback contracts exposed to
// embedding applications.
package api

import (
	"context"
	"time"
)

// ReportType identifies a report and doubles as the scheduler lane key:
// every fetch for the same report type shares one concurrency lane.
type ReportType string

// DateRange bounds a report query. Both ends are inclusive.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Row is a single report row as returned by the remote service.
// Field sets vary per report type, so rows stay schemaless here.
type Row map[string]interface{}

// PageRequest identifies one page of one report/facility query.
type PageRequest struct {
	Report     ReportType
	FacilityId string
	Range      DateRange
	Page       int
}

// RawPage is the wire-level result of fetching one page.
type RawPage struct {
	CurrentPage int   `json:"currentPage"`
	LastPage    int   `json:"lastPage"`
	HasNextPage bool  `json:"hasNextPage"`
	Rows        []Row `json:"rows"`
}

// PageFetcher is the boundary through which pages are fetched.
// Implementations must return errors carrying a status code where one is
// known (see pumperrors.ErrStatus) so failures can be classified.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (*RawPage, error)
}

// RowConsumer receives the rows of each completed page. The pipeline awaits
// each call before advancing its processing loop, so a slow consumer applies
// backpressure. Pages may arrive out of page-number order.
type RowConsumer interface {
	Consume(ctx context.Context, report ReportType, facilityId string, pageNumber int, lastPage int, rows []Row) error
}

// RowConsumerFunc adapts a function to the RowConsumer interface.
type RowConsumerFunc func(ctx context.Context, report ReportType, facilityId string, pageNumber int, lastPage int, rows []Row) error

func (f RowConsumerFunc) Consume(ctx context.Context, report ReportType, facilityId string, pageNumber int, lastPage int, rows []Row) error {
	return f(ctx, report, facilityId, pageNumber, lastPage, rows)
}

// FacilityStatus is the lifecycle state of one report/facility pipeline.
type FacilityStatus string

const (
	FacilityRunning FacilityStatus = "running"
	FacilityDone    FacilityStatus = "done"
	FacilityError   FacilityStatus = "error"
)

// AdaptationDirection reports whether a concurrency limit moved up or down.
type AdaptationDirection string

const (
	AdaptationUp   AdaptationDirection = "up"
	AdaptationDown AdaptationDirection = "down"
)

// Progress reports a completed page. Page is the page number actually
// processed, which under concurrent fetching is not necessarily sequential.
type Progress struct {
	Report        ReportType
	FacilityId    string
	Page          int
	LastPage      int
	RowsProcessed int
}

// FacilityStatusEvent reports a pipeline lifecycle transition.
// Reason is only populated for FacilityError.
type FacilityStatusEvent struct {
	Report     ReportType
	FacilityId string
	Status     FacilityStatus
	Reason     string
}

// PipelineSnapshot is a point-in-time view of one pipeline's buffers and caps.
type PipelineSnapshot struct {
	Report           ReportType
	FacilityId       string
	FetchBufferLen   int
	InFlight         int
	ProcessingActive int
	FetchCap         int
	ProcessingCap    int
}

// LaneAdaptation reports a concurrency limit adjustment. Lane is empty for
// adjustments to the global limit.
type LaneAdaptation struct {
	Lane      ReportType
	Direction AdaptationDirection
	Limit     int
	Reason    string
}

// Callbacks are observation-only hooks. The core never blocks on them;
// events may be dropped if a callback cannot keep up. Any field may be nil.
type Callbacks struct {
	OnProgress         func(Progress)
	OnFacilityStatus   func(FacilityStatusEvent)
	OnPipelineSnapshot func(PipelineSnapshot)
	OnLaneAdaptation   func(LaneAdaptation)
}
