package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/forummod/embedwatch/embedcheck"
	"github.com/forummod/embedwatch/embedcheck/routing"

	cli "github.com/urfave/cli/v2"
)

var checkURLCmd = &cli.Command{
	Name:      "check-url",
	Usage:     "walk the redirect chain of one or more URLs, and print the outcome",
	ArgsUsage: "<url>...",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "repo",
			Usage: "account DID to attribute matches and reports to",
			Value: "did:web:embedwatch.invalid",
		},
	}, checkerFlags...),
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() < 1 {
			return fmt.Errorf("need at least one URL to check")
		}
		logger := configLogger(cctx, os.Stderr)

		svc, err := baseServices(cctx, logger, embedcheck.NewMetrics(nil))
		if err != nil {
			return err
		}
		svc.Router = &routing.LogRouter{Logger: logger}
		svc.Reporter = &routing.LogReporter{Logger: logger}

		cfg := checkerConfig(cctx)
		cfg.Workers = 1
		checker, err := embedcheck.NewChecker(cfg, svc)
		if err != nil {
			return err
		}
		client, stop := embedcheck.NewProbeClient(cfg.Transport)
		defer stop()

		for _, uri := range cctx.Args().Slice() {
			res := checker.Walk(cctx.Context, client, cctx.String("repo"), "", uri)
			line := fmt.Sprintf("%s\t%s", res.Outcome, uri)
			if len(res.Chain) > 1 {
				line += "\t" + strings.Join(res.Chain[1:], " -> ")
			}
			if res.Err != nil {
				line += fmt.Sprintf("\t(%s)", res.Err)
			}
			fmt.Fprintln(cctx.App.Writer, line)
		}
		return nil
	},
}
