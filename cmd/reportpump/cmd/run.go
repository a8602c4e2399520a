package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/reportpump/reportpump/internal/common"
	"github.com/reportpump/reportpump/internal/ingester/cadence"
	"github.com/reportpump/reportpump/internal/ingester/configuration"
	"github.com/reportpump/reportpump/internal/ingester/memory"
	"github.com/reportpump/reportpump/internal/ingester/metrics"
	"github.com/reportpump/reportpump/internal/ingester/remote"
	"github.com/reportpump/reportpump/internal/ingester/run"
	"github.com/reportpump/reportpump/pkg/api"
	"github.com/reportpump/reportpump/pkg/client"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSlice("report", []string{}, "Report type to ingest; repeatable")
	runCmd.Flags().StringSlice("facility", []string{}, "Facility id to ingest; repeatable")
	runCmd.Flags().String("from", "", "Start of the date range (YYYY-MM-DD)")
	runCmd.Flags().String("to", "", "End of the date range (YYYY-MM-DD)")
	runCmd.Flags().Bool("mock", false, "Generate synthetic pages instead of calling the report service")
	runCmd.Flags().Bool("remote", false, "Deliver rows to an in-process remote context instead of logging them")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest the requested report/facility pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var config configuration.IngesterConfig
		common.LoadConfig(&config, "./config/reportpump", cfgFile)
		if err := config.Validate(); err != nil {
			return err
		}

		reports, _ := cmd.Flags().GetStringSlice("report")
		facilities, _ := cmd.Flags().GetStringSlice("facility")
		mock, _ := cmd.Flags().GetBool("mock")
		dateRange, err := parseDateRange(cmd)
		if err != nil {
			return err
		}
		if len(reports) == 0 || len(facilities) == 0 {
			return errors.New("at least one --report and one --facility are required")
		}

		var fetcher api.PageFetcher
		if mock || config.Api.Mock {
			log.Info("using mock page fetcher")
			fetcher = client.NewMockFetcher(config.Api.MockPages, 50)
		} else {
			fetcher = client.NewReportsClient(client.ApiConnectionDetails{
				BaseUrl:        config.Api.BaseUrl,
				AuthToken:      config.Api.AuthToken,
				RequestTimeout: config.Api.RequestTimeout,
			})
		}

		shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
		defer shutdownMetricServer()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stopSignal := make(chan os.Signal, 1)
		signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-stopSignal
			log.WithField("signal", sig.String()).Info("shutting down")
			cancel()
		}()

		pairs := make([]run.Pair, 0, len(reports)*len(facilities))
		for _, report := range reports {
			for _, facility := range facilities {
				pairs = append(pairs, run.Pair{Report: api.ReportType(report), FacilityId: facility})
			}
		}

		var consumer api.RowConsumer = api.RowConsumerFunc(func(ctx context.Context, report api.ReportType, facilityId string, pageNumber, lastPage int, rows []api.Row) error {
			log.WithFields(log.Fields{
				"report":   report,
				"facility": facilityId,
				"page":     pageNumber,
				"lastPage": lastPage,
				"rows":     len(rows),
			}).Debug("page consumed")
			return nil
		})

		var bridge *remote.Bridge
		finalResult := make(chan struct{}, 1)
		if remoteMode, _ := cmd.Flags().GetBool("remote"); remoteMode {
			loopback := remote.NewLoopback(256)
			go remote.NewStatsWorker().Serve(loopback)
			bridge = remote.NewBridge(loopback, config.Remote, remote.ReplyHandlers{
				OnFinal: func(result map[string]interface{}) {
					log.WithField("result", result).Info("remote context final result")
					select {
					case finalResult <- struct{}{}:
					default:
					}
				},
				OnError: func(reason string) {
					log.WithField("reason", reason).Warn("remote context reported an error")
				},
			})
			defer bridge.Close()

			reportTypes := make([]api.ReportType, 0, len(reports))
			for _, report := range reports {
				reportTypes = append(reportTypes, api.ReportType(report))
			}
			if err := bridge.Start(ctx, remote.InitPayload{
				Reports:    reportTypes,
				Facilities: facilities,
				DateRange:  dateRange,
			}); err != nil {
				return err
			}
			consumer = remote.NewConsumer(bridge, cadence.NewController(config.Cadence))
		}

		callbacks := api.Callbacks{
			OnFacilityStatus: func(ev api.FacilityStatusEvent) {
				entry := log.WithFields(log.Fields{
					"report":   ev.Report,
					"facility": ev.FacilityId,
					"status":   ev.Status,
				})
				if ev.Status == api.FacilityError {
					entry.WithField("reason", ev.Reason).Warn("facility failed")
				} else {
					entry.Info("facility status")
				}
			},
			OnLaneAdaptation: func(ev api.LaneAdaptation) {
				log.WithFields(log.Fields{
					"lane":      ev.Lane,
					"direction": ev.Direction,
					"limit":     ev.Limit,
					"reason":    ev.Reason,
				}).Info("concurrency adapted")
			},
		}

		probe, err := memory.NewRuntimeProbe(config.MemorySoftLimitBytes)
		if err != nil {
			return err
		}
		r := run.New(config, fetcher, consumer, callbacks).
			WithMetrics(metrics.Get()).
			WithProbe(probe)
		log.WithField("runId", r.Id()).Info("starting")
		runErr := r.Execute(ctx, pairs, dateRange)
		if bridge != nil {
			if err := bridge.Finalize(context.Background()); err != nil {
				log.WithError(err).Warn("failed to finalize remote context")
			} else {
				select {
				case <-finalResult:
				case <-time.After(config.Remote.HandshakeTimeout):
					log.Warn("remote context did not report a final result in time")
				}
			}
		}
		return runErr
	},
}

func parseDateRange(cmd *cobra.Command) (api.DateRange, error) {
	var rng api.DateRange
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return rng, errors.WithMessage(err, "invalid --from date")
		}
		rng.From = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return rng, errors.WithMessage(err, "invalid --to date")
		}
		rng.To = t
	}
	return rng, nil
}
