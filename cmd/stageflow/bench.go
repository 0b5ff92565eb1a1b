package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/stageflow/internal/backoff"
	promexp "github.com/utkarsh5026/stageflow/observability/prometheus"
	"github.com/utkarsh5026/stageflow/pipeline"
	"github.com/utkarsh5026/stageflow/stage"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Push synthetic tasks through generate -> square -> {sum, count}",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "tasks", Value: 1_000_000, Usage: "number of tasks to push"},
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "workers per stage"},
			&cli.IntFlag{Name: "batch", Value: 64, Usage: "batch size per pop"},
			&cli.IntFlag{Name: "capacity", Value: 4096, Usage: "queue capacity per stage"},
			&cli.DurationFlag{Name: "poll-timeout", Value: 10 * time.Millisecond, Usage: "idle poll timeout, negative waits forever"},
			&cli.Float64Flag{Name: "rate", Usage: "tasks per second for the square stage, 0 for unlimited"},
			&cli.StringFlag{Name: "backoff", Value: backoff.Exponential.String(), Usage: "push retry backoff: exponential, jittered or decorrelated"},
			&cli.BoolFlag{Name: "pin", Usage: "pin workers to CPU cores"},
			&cli.StringFlag{Name: "listen", Usage: "admin server address serving /metrics and /stages", EnvVars: []string{"STAGEFLOW_LISTEN"}},
			&cli.BoolFlag{Name: "no-progress", Usage: "disable the progress bar"},
		},
		Action: benchAction,
	}
}

type benchPipeline struct {
	p        *pipeline.Pipeline[int64]
	generate pipeline.StageID
	sum      atomic.Int64
	count    atomic.Int64
}

func newBenchPipeline(c *cli.Context, logger stage.Logger, metrics stage.Metrics, poller *promexp.StatsPoller) (*benchPipeline, error) {
	workers := c.Int("workers")
	common := []stage.Option{
		stage.WithBatchSize(c.Int("batch")),
		stage.WithMaxQueueCapacity(c.Int("capacity")),
		stage.WithPollTimeout(c.Duration("poll-timeout")),
		stage.WithLogger(logger),
		stage.WithMetrics(metrics),
		stage.WithPushBackoff(backoff.ParseKind(c.String("backoff")), time.Millisecond, 50*time.Millisecond, 0.2),
	}
	if c.Bool("pin") {
		common = append(common, stage.WithCPUAffinity())
	}
	with := func(extra ...stage.Option) []stage.Option {
		return append(append([]stage.Option(nil), common...), extra...)
	}

	b := &benchPipeline{p: pipeline.New[int64](pipeline.WithLogger(logger))}

	square := stage.HandlerFunc[int64](func(_ context.Context, batch []int64) []int64 {
		out := make([]int64, len(batch))
		for i, v := range batch {
			out[i] = v * v
		}
		return out
	})
	sum := stage.HandlerFunc[int64](func(_ context.Context, batch []int64) []int64 {
		var total int64
		for _, v := range batch {
			total += v
		}
		b.sum.Add(total)
		return nil
	})
	count := stage.HandlerFunc[int64](func(_ context.Context, batch []int64) []int64 {
		b.count.Add(int64(len(batch)))
		return nil
	})

	squareOpts := with(stage.WithName("square"))
	if r := c.Float64("rate"); r > 0 {
		squareOpts = append(squareOpts, stage.WithRateLimit(r, c.Int("batch")))
	}

	stages := []struct {
		s       *stage.Stage[int64]
		workers int
	}{
		{stage.New[int64](nil, with(stage.WithName("generate"))...), workers},
		{stage.New[int64](square, squareOpts...), workers},
		{stage.New[int64](sum, with(stage.WithName("sum"))...), workers},
		{stage.New[int64](count, with(stage.WithName("count"))...), workers},
	}

	ids := make([]pipeline.StageID, len(stages))
	for i, st := range stages {
		id, err := b.p.Add(st.s, st.workers)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		poller.AddStage(st.s.Name(), st.s)
	}

	for _, link := range [][2]int{{0, 1}, {1, 2}, {1, 3}} {
		if err := b.p.Link(ids[link[0]], ids[link[1]]); err != nil {
			return nil, err
		}
	}

	b.generate = ids[0]
	return b, nil
}

func benchAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := loggerFrom(c)
	tasks := c.Int("tasks")
	if tasks <= 0 {
		return cli.Exit("tasks must be positive", 1)
	}

	reg := prom.NewRegistry()
	exporter, err := promexp.NewMetricsExporter("stageflow", reg, promexp.ExporterOptions{})
	if err != nil {
		return err
	}
	poller, err := promexp.NewStatsPoller("stageflow", reg, time.Second)
	if err != nil {
		return err
	}

	b, err := newBenchPipeline(c, logger, exporter, poller)
	if err != nil {
		return err
	}
	if err := b.p.Start(ctx); err != nil {
		logger.Warn("pipeline started short of workers", stage.F("error", err))
	}
	defer b.p.Stop(true)

	poller.Start(ctx)
	defer poller.Stop()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := c.String("listen"); addr != "" {
		router := newAdminRouter(reg, b.p.OrderedStats)
		g.Go(func() error { return serveAdmin(gctx, addr, router) })
		logger.Info("admin server listening", stage.F("addr", addr))
	}

	start := time.Now()
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		if err := produce(gctx, b, tasks, c.Int("batch")); err != nil {
			return err
		}
		return b.p.WaitIdle(gctx)
	})

	if !c.Bool("no-progress") {
		bar := newProgressBar(tasks, "Processing")
		g.Go(func() error {
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					_ = bar.Set(int(b.count.Load()))
					_ = bar.Finish()
					return nil
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					_ = bar.Set(int(b.count.Load()))
				}
			}
		})
	}

	g.Go(func() error {
		<-done
		elapsed := time.Since(start)
		b.p.Stop(true)

		fmt.Fprintln(os.Stdout)
		printStageTable(os.Stdout, b.p.OrderedStats())
		printSummary(os.Stdout, tasks, elapsed, lostTasks(b.p.OrderedStats()))
		_, _ = headerColor.Fprintf(os.Stdout, "  count=%d sum=%d\n", b.count.Load(), b.sum.Load())

		// Stop the admin server once the report is out.
		cancelRun()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// produce pushes 1..tasks into the generate stage in batches, waiting while
// its queue is full.
func produce(ctx context.Context, b *benchPipeline, tasks, batch int) error {
	buf := make([]int64, 0, batch)
	for i := 1; i <= tasks; i++ {
		buf = append(buf, int64(i))
		if len(buf) < batch && i < tasks {
			continue
		}
		if err := b.p.PushWait(ctx, b.generate, buf...); err != nil {
			return fmt.Errorf("push tasks: %w", err)
		}
		buf = make([]int64, 0, batch)
	}
	return nil
}

// lostTasks sums the tasks refused by stages fed from inside the pipeline.
// Rejections at the root are retried by the producer and are not losses.
func lostTasks(stats []pipeline.StageStats) int64 {
	var lost int64
	for i, st := range stats {
		if i == 0 {
			continue
		}
		lost += st.Rejected
	}
	return lost
}
