package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/callscope/callscope/internal/config"
	"github.com/callscope/callscope/internal/export"
	"github.com/callscope/callscope/internal/flow"
	"github.com/callscope/callscope/internal/ledger"
	"github.com/callscope/callscope/internal/report"
	"github.com/callscope/callscope/internal/stream"
	"github.com/callscope/callscope/internal/track"
	"github.com/callscope/callscope/internal/tui"
)

func main() {
	configFlag := flag.String("config", "", "Path to config file (defaults to ~/.config/callscope/config.toml)")
	demoFlag := flag.Bool("demo", false, "Run a synthetic instrumented workload")
	reportFlag := flag.Bool("report", false, "Print a one-shot report and exit (implies -demo)")
	flag.Parse()

	var loadResult *config.LoadResult
	var err error
	if *configFlag != "" {
		loadResult, err = config.LoadFrom(*configFlag)
	} else {
		loadResult, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "callscope: config error: %v\n", err)
		os.Exit(1)
	}
	cfg := loadResult.Config

	for _, w := range loadResult.Warnings {
		fmt.Fprintf(os.Stderr, "callscope: config warning: %s\n", w)
	}

	l := ledger.New(ledger.Options{
		Enabled:        cfg.Monitoring.Enabled,
		FlowCapacity:   cfg.Monitoring.FlowBufferSize,
		RecentSamples:  cfg.Monitoring.RecentSamples,
		RecentAPICalls: cfg.Monitoring.RecentAPICalls,
	})
	tracker := track.New(l)

	var analyzer *flow.Analyzer
	if cfg.Monitoring.FlowAnalysis {
		analyzer = flow.New(l, flow.WithDeepAnalysis(true))
	}
	reporter := report.New(l, analyzer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *reportFlag {
		runWorkload(ctx, tracker, workloadOptions{rounds: 20})
		fmt.Print(reporter.Report())
		return
	}

	if cfg.Stream.Enabled {
		srv := stream.NewServer(reporter, analyzer, stream.Options{
			Bind:       cfg.Stream.Bind,
			Port:       cfg.Stream.Port,
			MaxClients: cfg.Stream.MaxClients,
		})
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "callscope: stream error: %v\n", err)
			os.Exit(1)
		}
		defer srv.Stop()
	}

	if cfg.Export.Enabled {
		pusher, err := export.NewPusher(l,
			cfg.Export.Endpoint,
			cfg.Export.ServiceName,
			time.Duration(cfg.Export.IntervalSeconds)*time.Second,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "callscope: export error: %v\n", err)
			os.Exit(1)
		}
		defer pusher.Close()
		go pusher.Run(ctx)
	}

	if *demoFlag {
		go runWorkloadLoop(ctx, tracker)
	}

	log.SetOutput(io.Discard)

	modelOpts := []tui.ModelOption{
		tui.WithStatsProvider(reporter),
		tui.WithActivityProvider(l),
	}
	if analyzer != nil {
		modelOpts = append(modelOpts, tui.WithFlowProvider(analyzer))
	}
	model := tui.NewModel(cfg, modelOpts...)

	p := tea.NewProgram(model,
		tea.WithAltScreen(),
	)

	go func() {
		select {
		case <-sigCh:
			cancel()
			p.Quit()
		case <-ctx.Done():
			return
		}
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "callscope: %v\n", err)
		os.Exit(1)
	}
}
