package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/reportpump/reportpump/internal/common/pumperrors"
	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/pkg/api"
)

// MockFetcher generates synthetic pages without any network. Latency and
// failures are injectable so the full retry and backpressure machinery can
// be exercised offline.
type MockFetcher struct {
	Pages       int
	RowsPerPage int
	// Simulated fetch latency range; a value within it is picked per call.
	MinLatency time.Duration
	MaxLatency time.Duration

	mu       sync.Mutex
	rand     *rand.Rand
	failures map[string]int // "report/facility/page" -> status code, failing once
	calls    int
}

func NewMockFetcher(pages, rowsPerPage int) *MockFetcher {
	return &MockFetcher{
		Pages:       pages,
		RowsPerPage: rowsPerPage,
		rand:        util.NewThreadsafeRand(time.Now().UnixNano()),
		failures:    make(map[string]int),
	}
}

// FailOnce makes the next fetch of the given page fail with the status code.
func (m *MockFetcher) FailOnce(report api.ReportType, facilityId string, page, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[failureKey(report, facilityId, page)] = code
}

// Calls reports how many fetches have been attempted.
func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockFetcher) FetchPage(ctx context.Context, req api.PageRequest) (*api.RawPage, error) {
	m.mu.Lock()
	m.calls++
	key := failureKey(req.Report, req.FacilityId, req.Page)
	code, fail := m.failures[key]
	if fail {
		delete(m.failures, key)
	}
	m.mu.Unlock()

	if d := m.latency(); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &pumperrors.ErrStatus{Code: code, Message: "injected mock failure"}
	}

	rows := make([]api.Row, m.RowsPerPage)
	for i := range rows {
		rows[i] = api.Row{
			"id":       fmt.Sprintf("%s-%s-%d-%d", req.Report, req.FacilityId, req.Page, i),
			"facility": req.FacilityId,
			"value":    m.rand.Intn(1000),
		}
	}
	return &api.RawPage{
		CurrentPage: req.Page,
		LastPage:    m.Pages,
		HasNextPage: req.Page < m.Pages,
		Rows:        rows,
	}, nil
}

func (m *MockFetcher) latency() time.Duration {
	if m.MaxLatency <= m.MinLatency {
		return m.MinLatency
	}
	spread := int64(m.MaxLatency - m.MinLatency)
	return m.MinLatency + time.Duration(m.rand.Int63n(spread))
}

func failureKey(report api.ReportType, facilityId string, page int) string {
	return fmt.Sprintf("%s/%s/%d", report, facilityId, page)
}
