// Command tdma-sim runs a number of TDMA (or turn-timeout) nodes against a
// simulated LoRa channel and reports how the network formed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/radio.mesh/internal/config"
	"github.com/banshee-data/radio.mesh/internal/sim"
	"github.com/banshee-data/radio.mesh/internal/version"
)

var (
	nodes       = flag.Int("nodes", 3, "Number of simulated nodes")
	duration    = flag.Duration("duration", time.Minute, "How long to run the simulation")
	configFile  = flag.String("config", "", "Link config file (.json, .yaml or .yml); built-in defaults when empty")
	dbPath      = flag.String("db", "", "SQLite file to record the run and its frames in (disabled when empty)")
	pcapPath    = flag.String("pcap", "", "Write every frame put on air to this pcap file")
	plotPath    = flag.String("plot", "", "Write a PNG of resync corrections to this file")
	chartPath   = flag.String("chart", "", "Write an HTML slot timeline to this file")
	listen      = flag.String("listen", "", "HTTP listen address for /metrics and /debug/ (disabled when empty)")
	grpcAddr    = flag.String("grpc", "", "gRPC health service listen address (disabled when empty)")
	driftPPM    = flag.Float64("drift-ppm", 20, "Maximum clock drift per node in parts per million")
	seed        = flag.Int64("seed", 1, "Seed for drift and join decisions")
	traffic     = flag.Duration("traffic", time.Second, "Dummy packet interval per node (0 disables traffic)")
	link        = flag.String("link", string(sim.LinkTDMA), "Data link: tdma or turntimeout")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("tdma-sim"))
		return
	}

	cfg, err := buildConfig()
	if err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := simulate(ctx, cfg)
	if err != nil {
		log.Fatalf("simulation failed: %v", err)
	}
	if err := printSummary(os.Stdout, res); err != nil {
		log.Printf("failed to render summary: %v", err)
	}
}

// buildConfig turns the parsed flags into a simConfig.
func buildConfig() (simConfig, error) {
	kind, err := sim.ParseLinkKind(*link)
	if err != nil {
		return simConfig{}, err
	}
	if *nodes < 1 {
		return simConfig{}, fmt.Errorf("-nodes must be at least 1, got %d", *nodes)
	}
	if *duration <= 0 {
		return simConfig{}, fmt.Errorf("-duration must be positive, got %v", *duration)
	}
	if *driftPPM < 0 {
		return simConfig{}, fmt.Errorf("-drift-ppm must not be negative, got %v", *driftPPM)
	}

	linkCfg := config.DefaultLinkConfig()
	if *configFile != "" {
		linkCfg, err = config.LoadLinkConfig(*configFile)
		if err != nil {
			return simConfig{}, err
		}
	}

	return simConfig{
		Nodes:     *nodes,
		Duration:  *duration,
		Link:      kind,
		LinkCfg:   linkCfg,
		DBPath:    *dbPath,
		PcapPath:  *pcapPath,
		PlotPath:  *plotPath,
		ChartPath: *chartPath,
		Listen:    *listen,
		GRPCAddr:  *grpcAddr,
		DriftPPM:  *driftPPM,
		Seed:      *seed,
		Traffic:   *traffic,
	}, nil
}
