package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/utkarsh5026/stageflow/pipeline"
	"github.com/utkarsh5026/stageflow/stage"
)

// stopWord ends the input.
const stopWord = "*"

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Read words from stdin until '*', append them to a file and report score limits",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Value: "wmp", Usage: "file the words are appended to", EnvVars: []string{"STAGEFLOW_OUT"}},
			&cli.IntFlag{Name: "capacity", Value: 1024, Usage: "queue capacity per stage"},
			&cli.BoolFlag{Name: "echo", Value: true, Usage: "print the output file when done"},
			&cli.DurationFlag{Name: "drain-timeout", Value: 10 * time.Second, Usage: "how long to wait for queued words after input ends"},
		},
		Action: ingestAction,
	}
}

// scoreRule is one entry of a {"config":[...]} document.
type scoreRule struct {
	Type  string `json:"type"`
	Score *int   `json:"score"`
}

type scoreConfig struct {
	Config []scoreRule `json:"config"`
}

var errNoRules = errors.New("config has no rules")

// parseScoreConfig decodes a {"config":[{"type":..,"score":..}]} document.
// Rules without a type or integer score are skipped.
func parseScoreConfig(doc string) ([]scoreRule, error) {
	var cfg scoreConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Config) == 0 {
		return nil, errNoRules
	}

	rules := make([]scoreRule, 0, len(cfg.Config))
	for _, r := range cfg.Config {
		if r.Type == "" || r.Score == nil {
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func isDocument(task string) bool {
	return strings.HasPrefix(task, "{")
}

// scanTasks reads r line by line. A line that starts with '{' is one task;
// other lines are split into words. Reading stops at the first "*" word or
// at EOF. Each task is passed to emit in input order.
func scanTasks(r io.Reader, emit func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if isDocument(line) {
			if err := emit(line); err != nil {
				return err
			}
			continue
		}
		for _, word := range strings.Fields(line) {
			if word == stopWord {
				return nil
			}
			if err := emit(word); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

// fileSink appends every task it receives to a file, one per line.
type fileSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (f *fileSink) HandleTask(_ context.Context, batch []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range batch {
		_, _ = f.w.WriteString(t)
		_ = f.w.WriteByte('\n')
	}
	return nil
}

func (f *fileSink) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Flush()
}

// limitReporter logs the age limit of every config document it receives.
type limitReporter struct {
	logger stage.Logger
}

func (l limitReporter) HandleTask(_ context.Context, batch []string) []string {
	for _, t := range batch {
		if !isDocument(t) {
			continue
		}
		rules, err := parseScoreConfig(t)
		if err != nil {
			l.logger.Error("invalid config document", stage.F("error", err))
			continue
		}
		for _, r := range rules {
			if r.Type == "age" {
				l.logger.Warn(fmt.Sprintf("age limit [%d]", *r.Score))
			}
		}
	}
	return nil
}

func ingestAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := loggerFrom(c)
	outPath := c.String("out")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open %s: %v", outPath, err), 1)
	}
	defer out.Close()

	sink := &fileSink{w: bufio.NewWriter(out)}
	common := []stage.Option{
		stage.WithMaxQueueCapacity(c.Int("capacity")),
		stage.WithLogger(logger),
		stage.WithBatchSize(16),
	}

	p := pipeline.New[string](pipeline.WithLogger(logger))
	source, err := p.Add(stage.New[string](nil, append(common, stage.WithName("source"))...), 1)
	if err != nil {
		return err
	}
	// One writer keeps the file in input order.
	appendID, err := p.Add(stage.New[string](sink, append(common, stage.WithName("append"))...), 1)
	if err != nil {
		return err
	}
	limitsID, err := p.Add(stage.New[string](limitReporter{logger: logger}, append(common, stage.WithName("limits"))...), 2)
	if err != nil {
		return err
	}
	if err := p.Link(source, appendID); err != nil {
		return err
	}
	if err := p.Link(source, limitsID); err != nil {
		return err
	}

	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop(true)

	var words int
	err = scanTasks(os.Stdin, func(task string) error {
		words++
		return p.PushWait(ctx, source, task)
	})
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.Duration("drain-timeout"))
	defer cancel()
	if err := p.WaitIdle(drainCtx); err != nil {
		logger.Warn("input not fully drained", stage.F("error", err))
	}
	p.Stop(true)

	if err := sink.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", outPath, err)
	}
	logger.Info("ingest done", stage.F("tasks", words), stage.F("out", outPath))

	if c.Bool("echo") {
		return echoFile(os.Stdout, outPath)
	}
	return nil
}

func echoFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}
