// Command tdma-radio runs one data link node on a UART LoRa modem.
// Received payloads can be forwarded to a UDP address, and datagrams sent
// to the inbound address are queued for transmission.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/radio.mesh/internal/config"
	"github.com/banshee-data/radio.mesh/internal/datalink"
	"github.com/banshee-data/radio.mesh/internal/db"
	"github.com/banshee-data/radio.mesh/internal/monitor"
	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/network"
	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/serialmux"
	"github.com/banshee-data/radio.mesh/internal/sim"
	"github.com/banshee-data/radio.mesh/internal/tdma"
	"github.com/banshee-data/radio.mesh/internal/turntimeout"
	"github.com/banshee-data/radio.mesh/internal/version"
)

var (
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port of the LoRa modem (empty runs without a modem)")
	address     = flag.Int("address", 0, "Node address (1-254), overrides the config file")
	configFile  = flag.String("config", "", "Link config file (.json, .yaml or .yml); built-in defaults when empty")
	linkName    = flag.String("link", string(sim.LinkTDMA), "Data link: tdma or turntimeout")
	listen      = flag.String("listen", ":8090", "HTTP listen address for /metrics and /debug/ (empty disables)")
	grpcAddr    = flag.String("grpc", "", "gRPC health service address (empty disables)")
	upstream    = flag.String("upstream", "", "Forward received payloads to this UDP address")
	inbound     = flag.String("inbound", "", "Queue datagrams received on this UDP address for transmission")
	inboundRate = flag.Float64("inbound-rate", 1, "Maximum inbound datagrams per second (0 for no limit)")
	dbPath      = flag.String("db", "", "SQLite file for persisted link settings (disabled when empty)")
	saveConfig  = flag.Bool("save-config", false, "Persist the turn-timeout settings to -db and continue")
	tick        = flag.Duration("tick", time.Millisecond, "Link update interval")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("tdma-radio"))
		return
	}

	linkCfg, kind, err := loadLinkConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var modemSerial serialmux.SerialMuxInterface
	if *port == "" {
		log.Print("no serial port given, running without a modem")
		modemSerial = serialmux.NewDisabledSerialMux()
	} else {
		m, err := serialmux.Open(serialmux.RealPortFactory, *port, serialmux.PortOptions{BaudRate: linkCfg.GetBaudRate()})
		if err != nil {
			log.Fatalf("failed to open modem: %v", err)
		}
		modemSerial = m
	}
	defer modemSerial.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := modemSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	var database *db.DB
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
	}

	reg := monitoring.NewRegistry()
	metrics := monitoring.NewLinkMetrics(reg)
	collector := monitor.NewCollector(monitor.DefaultMaxSamples)

	sinks := multiSink{logSink}
	if *upstream != "" {
		fwd, err := network.NewForwarder(*upstream, time.Minute)
		if err != nil {
			log.Fatalf("failed to create forwarder: %v", err)
		}
		defer fwd.Close()
		fwd.Start(ctx)
		sinks = append(sinks, fwd)
	}

	modem := phy.NewModem(modemSerial, phy.ModemConfig{
		Address:   uint16(linkCfg.GetAddress()),
		NetworkID: linkCfg.GetNetworkID(),
		Params:    linkCfg.LoRa(),
	})
	defer modem.Close()

	link, err := buildLink(kind, linkCfg, modem, sinks, database, metrics, collector.Handle)
	if err != nil {
		log.Fatalf("failed to build link: %v", err)
	}

	var outbound *datalink.Buffer
	if *inbound != "" {
		outbound = datalink.NewBuffer(64)
		l := network.NewListener(network.ListenerConfig{
			Address: *inbound,
			Sink:    outbound,
			Limit:   rate.Limit(*inboundRate),
			Burst:   4,
		})
		if err := l.Listen(); err != nil {
			log.Fatalf("failed to start inbound listener: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("inbound listener stopped: %v", err)
			}
		}()
	}

	dev := newDevice(link, outbound)

	if *listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.Handler(reg))
		monitor.AttachRoutes(mux, dev.state, collector)
		modemSerial.AttachAdminRoutes(mux)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
		}
		server := &http.Server{Addr: *listen, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
		}()
		log.Printf("serving /metrics and /debug/ on %s", *listen)
	}

	if *grpcAddr != "" {
		hs := monitor.NewHealthServer()
		if err := hs.Start(*grpcAddr); err != nil {
			log.Printf("failed to start health server: %v", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer hs.Stop()
				reportHealth(ctx, hs, dev, time.Second)
			}()
		}
	}

	log.Printf("%s running as address %d", link.Name(), linkCfg.GetAddress())
	dev.run(ctx, *tick)

	wg.Wait()
	log.Print("graceful shutdown complete")
}

// loadLinkConfig reads -config and applies -address and -link.
func loadLinkConfig() (*config.LinkConfig, sim.LinkKind, error) {
	kind, err := sim.ParseLinkKind(*linkName)
	if err != nil {
		return nil, "", err
	}
	cfg := config.DefaultLinkConfig()
	if *configFile != "" {
		if cfg, err = config.LoadLinkConfig(*configFile); err != nil {
			return nil, "", err
		}
	}
	if *address != 0 {
		a := *address
		cfg.Address = &a
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
	}
	if cfg.GetAddress() == 0 {
		return nil, "", errors.New("a node address is required (-address or \"address\" in the config)")
	}
	if *tick <= 0 {
		return nil, "", fmt.Errorf("-tick must be positive, got %v", *tick)
	}
	return cfg, kind, nil
}

// buildLink creates and sets up the selected link over layer. A setup
// failure is logged and the link is returned anyway: it keeps ticking
// without making discovery progress.
func buildLink(kind sim.LinkKind, cfg *config.LinkConfig, layer phy.Layer, sink datalink.Sink, database *db.DB, metrics *monitoring.LinkMetrics, onEvent func(tdma.Event)) (datalink.Interface, error) {
	var link datalink.Interface
	switch kind {
	case sim.LinkTDMA:
		opts := cfg.ToOptions()
		opts.MTU = min(opts.MTU, layer.Info().MTU)
		opts.Metrics = metrics
		opts.OnEvent = onEvent
		link = tdma.New(layer, sink, opts)
	case sim.LinkTurnTimeout:
		opts := cfg.TurnTimeoutOptions()
		opts.MTU = min(opts.MTU, layer.Info().MTU)
		opts.Metrics = metrics
		if database != nil {
			opts.Store = database.ConfigStore()
		}
		tl := turntimeout.New(layer, sink, opts)
		if database != nil {
			if *saveConfig {
				if err := tl.SaveConfig(); err != nil {
					return nil, err
				}
			} else if err := tl.LoadConfig(); err != nil {
				return nil, err
			}
		}
		link = tl
	default:
		return nil, fmt.Errorf("unknown link %q", kind)
	}
	if err := link.Setup(); err != nil {
		log.Printf("link setup failed, continuing without synchronisation: %v", err)
	}
	return link, nil
}

// reportHealth marks the health service serving once the device has joined.
func reportHealth(ctx context.Context, hs *monitor.HealthServer, d *device, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			joined := 0
			if d.joined() {
				joined = 1
			}
			hs.Update(joined, 1)
		}
	}
}
