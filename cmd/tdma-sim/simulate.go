package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/radio.mesh/internal/capture"
	"github.com/banshee-data/radio.mesh/internal/config"
	"github.com/banshee-data/radio.mesh/internal/db"
	"github.com/banshee-data/radio.mesh/internal/monitor"
	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/sim"
	"github.com/banshee-data/radio.mesh/internal/tdma"
)

// healthInterval is how often the gRPC health status is refreshed.
const healthInterval = 500 * time.Millisecond

// simConfig is everything one simulation run needs.
type simConfig struct {
	Nodes    int
	Duration time.Duration
	Link     sim.LinkKind
	LinkCfg  *config.LinkConfig

	DBPath    string
	PcapPath  string
	PlotPath  string
	ChartPath string
	Listen    string
	GRPCAddr  string

	DriftPPM float64
	Seed     int64
	Traffic  time.Duration
	// Stagger overrides the delay between node starts when positive.
	Stagger time.Duration
}

// runResult is what a run produced. It is stored as the run summary.
type runResult struct {
	RunID      string                   `json:"run_id,omitempty"`
	Link       sim.LinkKind             `json:"link"`
	Duration   time.Duration            `json:"duration"`
	States     []sim.NodeState          `json:"nodes"`
	Channels   map[int]sim.ChannelStats `json:"channels"`
	Jitter     monitor.JitterStats      `json:"jitter"`
	JoinAfter  map[uint8]time.Duration  `json:"join_after"`
	Mismatches int                      `json:"mismatches"`
	Captured   int                      `json:"captured,omitempty"`
	Recorded   int                      `json:"recorded,omitempty"`
	Artifacts  []string                 `json:"artifacts,omitempty"`
}

// Joined counts nodes that have left discovery.
func (r *runResult) Joined() int {
	n := 0
	for _, s := range r.States {
		if s.Joined {
			n++
		}
	}
	return n
}

// simulate runs cfg until its duration elapses or ctx is cancelled, then
// writes the requested artifacts.
func simulate(ctx context.Context, cfg simConfig) (*runResult, error) {
	reg := monitoring.NewRegistry()
	metrics := monitoring.NewLinkMetrics(reg)
	medium := sim.NewMedium(metrics)
	collector := monitor.NewCollector(monitor.DefaultMaxSamples)

	topts := cfg.LinkCfg.ToOptions()
	tto := cfg.LinkCfg.TurnTimeoutOptions()

	var (
		database *db.DB
		run      *db.Run
		recorder *db.FrameRecorder
	)
	if cfg.DBPath != "" {
		var err error
		database, err = db.NewDB(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		defer database.Close()
		run, err = database.StartRun(cfg.Nodes, string(cfg.Link), cfg.LinkCfg)
		if err != nil {
			return nil, err
		}
		recorder = database.NewFrameRecorder(run.ID)
		medium.Observe(func(t sim.Transmission) {
			recorder.Record(frameEvent(cfg.Link, t))
		})
		log.Printf("recording run %s in %s", run.ID, cfg.DBPath)
	}

	var pcap *capture.Writer
	if cfg.PcapPath != "" {
		lt := capture.LinkTypeTDMA
		if cfg.Link == sim.LinkTurnTimeout {
			lt = capture.LinkTypeTurnTimeout
		}
		var err error
		pcap, err = capture.Create(cfg.PcapPath, lt)
		if err != nil {
			return nil, err
		}
		medium.Observe(pcap.Record)
	}

	runner, err := sim.NewRunner(medium, sim.RunnerConfig{
		Nodes:       cfg.Nodes,
		Link:        cfg.Link,
		Channel:     cfg.LinkCfg.GetChannel(),
		Params:      cfg.LinkCfg.LoRa(),
		TDMA:        topts,
		TurnTimeout: tto,
		DriftPPM:    cfg.DriftPPM,
		Seed:        cfg.Seed,
		Traffic:     cfg.Traffic,
		Stagger:     cfg.Stagger,
		OnEvent:     collector.Handle,
		Metrics:     metrics,
	})
	if err != nil {
		if pcap != nil {
			pcap.Close()
		}
		return nil, err
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	if cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.Handler(reg))
		monitor.AttachRoutes(mux, func() any { return runner.States() }, collector)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
		}
		server := &http.Server{Addr: cfg.Listen, Handler: mux}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
		}()
		log.Printf("serving /metrics and /debug/ on %s", cfg.Listen)
	}

	if cfg.GRPCAddr != "" {
		hs := monitor.NewHealthServer()
		if err := hs.Start(cfg.GRPCAddr); err != nil {
			log.Printf("failed to start health server: %v", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer hs.Stop()
				ticker := time.NewTicker(healthInterval)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						res := runResult{States: runner.States()}
						hs.Update(res.Joined(), cfg.Nodes)
					}
				}
			}()
		}
	}

	start := time.Now()
	log.Printf("simulating %d %s nodes for %v", cfg.Nodes, cfg.Link, cfg.Duration)
	runErr := runner.Run(runCtx)
	cancel()
	medium.Close()
	runner.Close()
	wg.Wait()

	res := &runResult{
		Link:       cfg.Link,
		Duration:   time.Since(start),
		States:     runner.States(),
		Channels:   medium.Stats(),
		Jitter:     collector.Jitter(),
		JoinAfter:  make(map[uint8]time.Duration),
		Mismatches: collector.Mismatches(),
	}
	for addr, at := range collector.JoinTimes() {
		res.JoinAfter[addr] = at.Sub(start)
	}

	var errs []error
	if runErr != nil {
		errs = append(errs, fmt.Errorf("runner: %w", runErr))
	}
	if pcap != nil {
		res.Captured, _ = pcap.Counts()
		if err := pcap.Close(); err != nil {
			errs = append(errs, err)
		} else {
			res.Artifacts = append(res.Artifacts, cfg.PcapPath)
		}
	}
	if cfg.ChartPath != "" {
		err := writeChart(cfg.ChartPath, collector.Sends(), cfg)
		switch {
		case errors.Is(err, monitor.ErrNoSamples):
			log.Printf("no transmissions recorded, skipping %s", cfg.ChartPath)
		case err != nil:
			errs = append(errs, err)
		default:
			res.Artifacts = append(res.Artifacts, cfg.ChartPath)
		}
	}
	if cfg.PlotPath != "" {
		err := monitor.SaveResyncPlot(cfg.PlotPath, collector.Resyncs())
		switch {
		case errors.Is(err, monitor.ErrNoSamples):
			log.Printf("no resyncs recorded, skipping %s", cfg.PlotPath)
		case err != nil:
			errs = append(errs, fmt.Errorf("resync plot: %w", err))
		default:
			res.Artifacts = append(res.Artifacts, cfg.PlotPath)
		}
	}
	if recorder != nil {
		if err := recorder.Flush(); err != nil {
			errs = append(errs, err)
		}
		res.RunID = run.ID
		res.Recorded = recorder.Written()
		if err := database.FinishRun(run.ID, res); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func writeChart(path string, samples []monitor.SlotSample, cfg simConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart: %w", err)
	}
	subtitle := fmt.Sprintf("%d %s nodes, seed %d, drift ±%.0f ppm", cfg.Nodes, cfg.Link, cfg.Seed, cfg.DriftPPM)
	if err := monitor.WriteSlotTimeline(f, samples, subtitle); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("slot timeline: %w", err)
	}
	return f.Close()
}

// frameEvent describes t for the run database.
func frameEvent(kind sim.LinkKind, t sim.Transmission) db.FrameEvent {
	typ := "TURN"
	if kind == sim.LinkTDMA {
		h, _, err := tdma.DecodeHeader(t.Frame)
		if err != nil {
			typ = "MALFORMED"
		} else {
			typ = h.Type.String()
		}
	}
	return db.FrameEvent{
		At:       t.Start,
		Channel:  t.Channel,
		Sender:   t.Sender,
		Type:     typ,
		Size:     len(t.Frame),
		Airtime:  t.Airtime,
		Collided: t.Collided,
	}
}
