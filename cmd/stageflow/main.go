// Command stageflow runs demo pipelines built from stages.
//
//	stageflow bench --tasks 1000000 --workers 4 --batch 64 --listen :9090
//	echo 'a b c *' | stageflow ingest --out words.txt
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/utkarsh5026/stageflow/stage"
)

func main() {
	app := &cli.App{
		Name:  "stageflow",
		Usage: "Run batch-processing stage pipelines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"STAGEFLOW_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			benchCommand(),
			ingestCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loggerFrom(c *cli.Context) stage.Logger {
	return stage.NewConsoleLogger(os.Stderr, stage.ParseLevel(c.String("log-level")))
}
