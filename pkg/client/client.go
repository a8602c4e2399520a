// Package client provides implementations of the page fetch boundary: an
// HTTP client for a paginated report service and a synthetic mock used by
// tests and the --mock run path.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/reportpump/reportpump/internal/common/pumperrors"
	"github.com/reportpump/reportpump/pkg/api"
)

// ApiConnectionDetails describes how to reach the report service.
type ApiConnectionDetails struct {
	BaseUrl        string
	AuthToken      string
	RequestTimeout time.Duration
}

// ReportsClient fetches report pages over HTTP. Declared page counts are
// remembered per report/facility pair for a short TTL so callers can size
// work before fetching.
type ReportsClient struct {
	details  ApiConnectionDetails
	client   *http.Client
	metadata *cache.Cache
}

func NewReportsClient(details ApiConnectionDetails) *ReportsClient {
	return &ReportsClient{
		details:  details,
		client:   &http.Client{},
		metadata: cache.New(5*time.Minute, 10*time.Minute),
	}
}

// FetchPage requests one page. Failures carry the HTTP status code where one
// was received; transport-level failures carry code 0 and are treated as
// retryable by the caller.
func (c *ReportsClient) FetchPage(ctx context.Context, req api.PageRequest) (*api.RawPage, error) {
	if c.details.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.details.RequestTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageUrl(req), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if c.details.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.details.AuthToken)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, errors.WithStack(&pumperrors.ErrCancelled{Reason: "request aborted"})
		}
		return nil, errors.WithStack(&pumperrors.ErrStatus{Message: err.Error()})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.WithStack(&pumperrors.ErrStatus{
			Code:    resp.StatusCode,
			Message: string(body),
		})
	}

	page := &api.RawPage{}
	if err := json.NewDecoder(resp.Body).Decode(page); err != nil {
		return nil, errors.WithMessagef(err, "failed to decode page %d of %s/%s", req.Page, req.Report, req.FacilityId)
	}
	c.metadata.SetDefault(metadataKey(req.Report, req.FacilityId), page.LastPage)
	return page, nil
}

// DeclaredPages returns the most recently observed total page count for the
// pair, if one is cached.
func (c *ReportsClient) DeclaredPages(report api.ReportType, facilityId string) (int, bool) {
	v, ok := c.metadata.Get(metadataKey(report, facilityId))
	if !ok {
		return 0, false
	}
	return v.(int), true
}

func (c *ReportsClient) pageUrl(req api.PageRequest) string {
	q := url.Values{}
	q.Set("page", fmt.Sprintf("%d", req.Page))
	if !req.Range.From.IsZero() {
		q.Set("from", req.Range.From.Format("2006-01-02"))
	}
	if !req.Range.To.IsZero() {
		q.Set("to", req.Range.To.Format("2006-01-02"))
	}
	return fmt.Sprintf("%s/reports/%s/facilities/%s?%s",
		c.details.BaseUrl, url.PathEscape(string(req.Report)), url.PathEscape(req.FacilityId), q.Encode())
}

func metadataKey(report api.ReportType, facilityId string) string {
	return string(report) + "/" + facilityId
}
