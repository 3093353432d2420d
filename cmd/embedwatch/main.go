package main

import (
	"fmt"
	"io"
	"log/slog"
	_ "net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/forummod/embedwatch/embedcheck"
	"github.com/forummod/embedwatch/embedcheck/ledger"
	"github.com/forummod/embedwatch/embedcheck/match"
	"github.com/forummod/embedwatch/embedcheck/setstore"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "embedwatch",
		Usage:   "embed and redirect-chain checker for moderated posts",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"EMBEDWATCH_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkURLCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// flags shared by every command which runs the checker
var checkerFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "sets-json",
		Usage:   "path to JSON file with named sets (link-whitelist, redirect-url-globs)",
		EnvVars: []string{"EMBEDWATCH_SETS_JSON"},
	},
	&cli.StringFlag{
		Name:    "host-prefix",
		Usage:   "prefix stripped from hostnames before whitelist lookups",
		Value:   embedcheck.DefaultHostPrefix,
		EnvVars: []string{"EMBEDWATCH_HOST_PREFIX"},
	},
	&cli.IntFlag{
		Name:    "workers",
		Usage:   "number of embed checking workers",
		Value:   8,
		EnvVars: []string{"EMBEDWATCH_WORKERS"},
	},
	&cli.IntFlag{
		Name:    "queue-size",
		Usage:   "number of batches which may wait for a worker before ingest blocks",
		Value:   10_000,
		EnvVars: []string{"EMBEDWATCH_QUEUE_SIZE"},
	},
	&cli.IntFlag{
		Name:    "ledger-capacity",
		Usage:   "max keys remembered per ledger namespace (0 for unbounded)",
		EnvVars: []string{"EMBEDWATCH_LEDGER_CAPACITY"},
	},
	&cli.IntFlag{
		Name:    "image-factor",
		Usage:   "repetition alert factor for image CIDs",
		Value:   2,
		EnvVars: []string{"EMBEDWATCH_IMAGE_FACTOR"},
	},
	&cli.IntFlag{
		Name:    "video-factor",
		Usage:   "repetition alert factor for video CIDs",
		Value:   2,
		EnvVars: []string{"EMBEDWATCH_VIDEO_FACTOR"},
	},
	&cli.IntFlag{
		Name:    "record-factor",
		Usage:   "repetition alert factor for record URIs",
		Value:   5,
		EnvVars: []string{"EMBEDWATCH_RECORD_FACTOR"},
	},
	&cli.IntFlag{
		Name:    "link-factor",
		Usage:   "repetition alert factor for link URIs",
		Value:   5,
		EnvVars: []string{"EMBEDWATCH_LINK_FACTOR"},
	},
	&cli.IntFlag{
		Name:    "redirect-limit",
		Usage:   "redirects followed before a chain is reported as abusive",
		Value:   20,
		EnvVars: []string{"EMBEDWATCH_REDIRECT_LIMIT"},
	},
	&cli.IntFlag{
		Name:    "fetch-attempts",
		Usage:   "attempts per probe request when the connection is reset",
		Value:   5,
		EnvVars: []string{"EMBEDWATCH_FETCH_ATTEMPTS"},
	},
	&cli.DurationFlag{
		Name:    "probe-timeout",
		Usage:   "overall timeout for a single probe request",
		Value:   30 * time.Second,
		EnvVars: []string{"EMBEDWATCH_PROBE_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "probe-idle-ttl",
		Usage:   "how long idle probe connections are kept",
		Value:   4 * time.Second,
		EnvVars: []string{"EMBEDWATCH_PROBE_IDLE_TTL"},
	},
	&cli.DurationFlag{
		Name:    "probe-cleanup-interval",
		Usage:   "how often idle probe connections are swept",
		Value:   5 * time.Second,
		EnvVars: []string{"EMBEDWATCH_PROBE_CLEANUP_INTERVAL"},
	},
	&cli.IntFlag{
		Name:    "probe-conns-per-host",
		Usage:   "max probe connections per host, per worker",
		Value:   1,
		EnvVars: []string{"EMBEDWATCH_PROBE_CONNS_PER_HOST"},
	},
	&cli.IntFlag{
		Name:    "probe-max-conns",
		Usage:   "max idle probe connections, per worker",
		Value:   256,
		EnvVars: []string{"EMBEDWATCH_PROBE_MAX_CONNS"},
	},
	&cli.BoolFlag{
		Name:    "probe-public-only",
		Usage:   "refuse to probe private or loopback addresses, or ports other than 80 and 443",
		Value:   true,
		EnvVars: []string{"EMBEDWATCH_PROBE_PUBLIC_ONLY"},
	},
	&cli.Float64Flag{
		Name:    "probe-rate-limit",
		Usage:   "max probe requests per second across all workers (0 for unlimited)",
		EnvVars: []string{"EMBEDWATCH_PROBE_RATE_LIMIT"},
	},
}

func checkerConfig(cctx *cli.Context) embedcheck.Config {
	cfg := embedcheck.DefaultConfig()
	cfg.Workers = cctx.Int("workers")
	cfg.QueueSize = cctx.Int("queue-size")
	cfg.Factors = embedcheck.Factors{
		Images:  cctx.Int("image-factor"),
		Videos:  cctx.Int("video-factor"),
		Records: cctx.Int("record-factor"),
		Links:   cctx.Int("link-factor"),
	}
	cfg.RedirectLimit = cctx.Int("redirect-limit")
	cfg.MaxFetchAttempts = cctx.Int("fetch-attempts")
	cfg.ProbeRateLimit = cctx.Float64("probe-rate-limit")
	cfg.Transport = embedcheck.TransportConfig{
		IdleConnTTL:     cctx.Duration("probe-idle-ttl"),
		CleanupInterval: cctx.Duration("probe-cleanup-interval"),
		MaxConnsPerHost: cctx.Int("probe-conns-per-host"),
		MaxConns:        cctx.Int("probe-max-conns"),
		RequestTimeout:  cctx.Duration("probe-timeout"),
		PublicOnly:      cctx.Bool("probe-public-only"),
	}
	return cfg
}

// baseServices builds the checker collaborators which come from local configuration: ledger,
// filter and matcher. Callers fill in routing, reporting and notification.
func baseServices(cctx *cli.Context, logger *slog.Logger, metrics *embedcheck.Metrics) (embedcheck.Services, error) {
	sets := setstore.NewMemSetStore()
	if p := cctx.String("sets-json"); p != "" {
		if err := sets.LoadFromFileJSON(p); err != nil {
			return embedcheck.Services{}, fmt.Errorf("loading sets: %w", err)
		}
	}
	whitelist, err := sets.Members(cctx.Context, setstore.LinkWhitelist)
	if err != nil {
		return embedcheck.Services{}, err
	}
	rules, err := sets.Members(cctx.Context, setstore.RedirectURLGlobs)
	if err != nil {
		return embedcheck.Services{}, err
	}
	matcher, err := match.NewGlobMatcher(rules)
	if err != nil {
		return embedcheck.Services{}, err
	}

	var l ledger.Ledger
	if capacity := cctx.Int("ledger-capacity"); capacity > 0 {
		l, err = ledger.NewBoundedLedger(capacity)
		if err != nil {
			return embedcheck.Services{}, err
		}
	} else {
		l = ledger.NewMemLedger()
	}
	logger.Info("loaded checker configuration", "whitelist", len(whitelist), "rules", matcher.Len(), "ledgerCapacity", cctx.Int("ledger-capacity"))

	return embedcheck.Services{
		Logger:  logger,
		Metrics: metrics,
		Ledger:  l,
		Filter:  embedcheck.NewFilter(cctx.String("host-prefix"), whitelist, metrics, logger),
		Matcher: matcher,
	}, nil
}
