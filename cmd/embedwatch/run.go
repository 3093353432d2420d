package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/forummod/embedwatch/embedcheck"
	"github.com/forummod/embedwatch/embedcheck/routing"
	"github.com/forummod/embedwatch/notify"
	"github.com/forummod/embedwatch/ozone"

	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v2"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the embed checking daemon",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3997",
			EnvVars: []string{"EMBEDWATCH_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3996",
			EnvVars: []string{"EMBEDWATCH_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "how long to wait for queued batches and reports on shutdown",
			Value:   30 * time.Second,
			EnvVars: []string{"EMBEDWATCH_SHUTDOWN_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for routed matches: redis://<user>:<pass>@<hostname>:6379/<db>",
			EnvVars: []string{"EMBEDWATCH_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-key",
			Usage:   "redis list routed matches are pushed to",
			Value:   routing.DefaultRedisKey,
			EnvVars: []string{"EMBEDWATCH_REDIS_KEY"},
		},
		&cli.StringFlag{
			Name:    "ozone-host",
			Usage:   "method, hostname, and port of the PDS or entryway the reporting account logs in to",
			EnvVars: []string{"EMBEDWATCH_OZONE_HOST"},
		},
		&cli.StringFlag{
			Name:    "ozone-identifier",
			Usage:   "handle or DID of the reporting account",
			EnvVars: []string{"EMBEDWATCH_OZONE_IDENTIFIER"},
		},
		&cli.StringFlag{
			Name:    "ozone-password",
			Usage:   "app password of the reporting account",
			EnvVars: []string{"EMBEDWATCH_OZONE_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "ozone-service-did",
			Usage:   "DID of the moderation service reports are sent to",
			EnvVars: []string{"EMBEDWATCH_OZONE_SERVICE_DID"},
		},
		&cli.BoolFlag{
			Name:    "ozone-dry-run",
			Usage:   "log reports instead of submitting them",
			EnvVars: []string{"EMBEDWATCH_OZONE_DRY_RUN"},
		},
		&cli.IntFlag{
			Name:    "report-queue-size",
			Usage:   "number of account reports buffered for submission",
			Value:   1_000,
			EnvVars: []string{"EMBEDWATCH_REPORT_QUEUE_SIZE"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for repetition alerts",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
	}, checkerFlags...),
	Action: func(cctx *cli.Context) error {
		logger := configLogger(cctx, os.Stdout)
		stopOTEL, err := configOTEL("embedwatch")
		if err != nil {
			return fmt.Errorf("failed to configure tracing: %w", err)
		}
		defer stopOTEL()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		metrics := embedcheck.NewMetrics(prometheus.DefaultRegisterer)
		svc, err := baseServices(cctx, logger, metrics)
		if err != nil {
			return err
		}

		if redisURL := cctx.String("redis-url"); redisURL != "" {
			router, err := routing.NewRedisRouter(redisURL, cctx.String("redis-key"))
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			svc.Router = router
		} else {
			logger.Warn("no redis configured, routed matches will only be logged")
			svc.Router = &routing.LogRouter{Logger: logger}
		}

		var reports *ozone.ReportQueue
		reportsDone := make(chan struct{})
		if cctx.String("ozone-host") != "" && cctx.String("ozone-identifier") != "" && cctx.String("ozone-password") != "" {
			client := ozone.NewClient(cctx.String("ozone-host"), cctx.String("ozone-identifier"), cctx.String("ozone-password"), logger)
			client.ServiceDID = cctx.String("ozone-service-did")
			client.DryRun = cctx.Bool("ozone-dry-run")
			reports = ozone.NewReportQueue(client, cctx.Int("report-queue-size"), prometheus.DefaultRegisterer, logger)
			go func() {
				defer close(reportsDone)
				if err := reports.Run(ctx); err != nil {
					logger.Error("report queue stopped", "err", err)
				}
			}()
			svc.Reporter = reports
		} else {
			logger.Warn("no ozone credentials configured, account reports will only be logged")
			svc.Reporter = &routing.LogReporter{Logger: logger}
			close(reportsDone)
		}

		if webhook := cctx.String("slack-webhook-url"); webhook != "" {
			svc.Notifier = notify.NewSlackNotifier(webhook)
		}

		checker, err := embedcheck.NewChecker(checkerConfig(cctx), svc)
		if err != nil {
			return fmt.Errorf("failed to construct embed checker: %w", err)
		}
		if err := checker.Start(ctx); err != nil {
			return err
		}

		// prometheus HTTP endpoint: /metrics
		go func() {
			runtime.SetBlockProfileRate(10)
			runtime.SetMutexProfileFraction(10)
			if err := RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		srv := NewServer(checker, Config{
			Logger: logger,
			Bind:   cctx.String("bind"),
		})
		shutdownTimeout := cctx.Duration("shutdown-timeout")
		if err := srv.RunAPI(shutdownTimeout); err != nil {
			logger.Error("shutdown incomplete", "err", err)
		}

		// the checker is drained, so no more reports will be enqueued
		if reports != nil {
			reports.Close()
		}
		select {
		case <-reportsDone:
		case <-time.After(shutdownTimeout):
			logger.Warn("timed out waiting for pending reports")
		}
		logger.Info("graceful shutdown complete")
		return nil
	},
}
