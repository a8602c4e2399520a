package remote

import (
	"context"
	"sync"

	"github.com/reportpump/reportpump/internal/common/util"
	"github.com/reportpump/reportpump/internal/ingester/cadence"
	"github.com/reportpump/reportpump/pkg/api"
)

// Consumer is a row consumer that forwards every page to the remote context
// through the bridge. Large pages are split into row chunks sized by the
// cadence state, and each delivery feeds an observation back into the
// cadence controller, which in turn paces the bridge's partial-emission
// interval.
type Consumer struct {
	bridge *Bridge
	pacer  *cadence.Controller
	clock  util.Clock

	mu    sync.Mutex
	state cadence.State
}

func NewConsumer(bridge *Bridge, pacer *cadence.Controller) *Consumer {
	c := &Consumer{
		bridge: bridge,
		pacer:  pacer,
		clock:  &util.DefaultClock{},
	}
	c.state = pacer.InitialState()
	bridge.SetPartialInterval(c.state.PartialInterval)
	return c
}

func (c *Consumer) WithClock(clock util.Clock) *Consumer {
	c.clock = clock
	return c
}

// ChunkSize returns the current row chunk size.
func (c *Consumer) ChunkSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ChunkSize
}

func (c *Consumer) Consume(ctx context.Context, report api.ReportType, facilityId string, pageNumber, lastPage int, rows []api.Row) error {
	start := c.clock.Now()
	// The backlog this page found on arrival; its own chunks don't count.
	backlog := c.bridge.Backlog()
	chunkSize := util.Max(c.ChunkSize(), 1)

	for offset := 0; offset < len(rows) || offset == 0; offset += chunkSize {
		end := util.Min(offset+chunkSize, len(rows))
		err := c.bridge.SubmitPage(ctx, PagePayload{
			Report:     report,
			FacilityID: facilityId,
			PageNumber: pageNumber,
			LastPage:   lastPage,
			Rows:       rows[offset:end],
		})
		if err != nil {
			return err
		}
		if end == len(rows) {
			break
		}
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.state = c.pacer.UpdateChunkSizing(c.state, cadence.BatchSample{
		Duration: now.Sub(start),
		Backlog:  backlog,
		Now:      now,
	})
	c.state = c.pacer.UpdatePartialInterval(c.state, cadence.EmitSample{
		Backlog:   backlog,
		ChunkSize: c.state.ChunkSize,
		Now:       now,
	})
	interval := c.state.PartialInterval
	c.mu.Unlock()
	c.bridge.SetPartialInterval(interval)
	return nil
}
