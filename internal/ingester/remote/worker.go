package remote

import (
	log "github.com/sirupsen/logrus"

	"github.com/reportpump/reportpump/pkg/api"
)

// StatsWorker is a minimal loopback peer: it tallies delivered rows per
// report/facility pair and answers the bridge protocol. It stands in for a
// real remote context in single-process deployments; anything heavier lives
// outside this module.
type StatsWorker struct {
	rows  map[string]int64
	pages int
}

func NewStatsWorker() *StatsWorker {
	return &StatsWorker{rows: make(map[string]int64)}
}

// Serve consumes the loopback request stream until it is closed. Run it in
// its own goroutine.
func (w *StatsWorker) Serve(loopback *Loopback) {
	for env := range loopback.Requests() {
		switch env.Kind {
		case KindInitRun:
			loopback.Reply(Envelope{Kind: KindReady, RunID: env.RunID})
		case KindPageBatch:
			w.pages += len(env.Pages)
			for _, page := range env.Pages {
				w.rows[pairKey(page.Report, page.FacilityID)] += int64(len(page.Rows))
			}
			loopback.Reply(Envelope{
				Kind:  KindProgress,
				RunID: env.RunID,
				Progress: &ProgressPayload{
					PagesSeen:     w.pages,
					RowsProcessed: w.totalRows(),
				},
			})
		case KindFinalize:
			loopback.Reply(Envelope{
				Kind:   KindFinalResult,
				RunID:  env.RunID,
				Result: w.result(),
			})
		case KindCancel:
			loopback.Reply(Envelope{Kind: KindCancelled, RunID: env.RunID})
		case KindReset:
			w.rows = make(map[string]int64)
			w.pages = 0
		default:
			log.WithField("kind", env.Kind).Warn("stats worker ignoring unknown message")
		}
	}
}

func (w *StatsWorker) totalRows() int64 {
	var total int64
	for _, n := range w.rows {
		total += n
	}
	return total
}

func (w *StatsWorker) result() map[string]interface{} {
	perPair := make(map[string]interface{}, len(w.rows))
	for pair, n := range w.rows {
		perPair[pair] = n
	}
	return map[string]interface{}{
		"pages":   w.pages,
		"rows":    w.totalRows(),
		"perPair": perPair,
	}
}

func pairKey(report api.ReportType, facilityId string) string {
	return string(report) + "/" + facilityId
}
