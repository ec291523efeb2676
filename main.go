package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/trackside/speedcal/internal/api"
	"github.com/trackside/speedcal/internal/audio"
	"github.com/trackside/speedcal/internal/bench"
	"github.com/trackside/speedcal/internal/benchhead"
	"github.com/trackside/speedcal/internal/config"
	"github.com/trackside/speedcal/internal/db"
	"github.com/trackside/speedcal/internal/loadcell"
	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/throttle"
	"github.com/trackside/speedcal/internal/trackswitch"
	"github.com/trackside/speedcal/internal/trap"
	"github.com/trackside/speedcal/internal/vibration"
	"github.com/trackside/speedcal/internal/ws"
)

var (
	//go:embed static/*
	staticFiles embed.FS

	devMode    = flag.Bool("dev", false, "Run in dev mode with a simulated bench head")
	listen     = flag.String("listen", ":8080", "Listen address")
	serialPath = flag.String("serial", "/dev/ttyACM0", "Bench head serial port")
	baudRate   = flag.Int("baud", benchhead.DefaultBaudRate, "Bench head baud rate")
	dbFile     = flag.String("db", "bench_data.db", "SQLite database path")
	configPath = flag.String("config", config.DefaultConfigPath, "Bench configuration file")
	mqttBroker = flag.String("mqtt-broker", "", "MQTT broker URL for the JMRI throttle bridge (empty runs a local loopback throttle)")
	mqttPrefix = flag.String("mqtt-prefix", throttle.DefaultTopicPrefix, "MQTT throttle topic prefix")
	mqttUser   = flag.String("mqtt-user", "", "MQTT username")
	mqttPass   = flag.String("mqtt-pass", "", "MQTT password")
	benchName  = flag.String("bench-name", "bench-1", "Bench name used in published event topics")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadBenchConfig(*configPath)
	if err != nil {
		// A missing defaults file is fine; anything else is a hard error.
		if errors.Is(err, fs.ErrNotExist) && *configPath == config.DefaultConfigPath {
			log.Printf("no config at %s, using built-in defaults", *configPath)
			cfg = config.EmptyBenchConfig()
		} else {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	latch := &trap.Latch{}

	var port benchhead.Porter
	if *devMode {
		port = benchhead.NewMockPort()
	} else {
		port, err = benchhead.OpenPort(*serialPath, *baudRate)
		if err != nil {
			log.Fatalf("failed to open bench head port: %v", err)
		}
	}
	head := benchhead.New(port, latch, nil)
	defer head.Close()

	detector := trap.NewDetector(cfg.DetectorConfig(), head, latch, nil)
	load := loadcell.NewCell(loadcell.Config{
		Alpha:          cfg.GetLoadAlpha(),
		CalFactor:      cfg.GetLoadCalFactor(),
		SampleInterval: cfg.GetLoadSampleInterval(),
	}, head, nil)
	vib := vibration.NewCapture(vibration.Config{Window: cfg.GetVibrationWindow()}, head, nil)
	aud := audio.NewCapture(audio.Config{Window: cfg.GetAudioWindow()}, head, nil)
	switches := trackswitch.NewMonitor(head, cfg.GetSwitchesEnabled(), cfg.GetSwitchDebounce(), nil)

	var thr bench.Throttle
	var events *throttle.Events
	if *mqttBroker != "" {
		relay := throttle.NewRelay(throttle.Config{
			BrokerURL:   *mqttBroker,
			Username:    *mqttUser,
			Password:    *mqttPass,
			TopicPrefix: *mqttPrefix,
		})
		if err := relay.Connect(); err != nil {
			log.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		defer relay.Close()
		thr = relay
		events = throttle.NewEvents(relay.MQTTClient(), *mqttPrefix, *benchName)

		// Mirror diagnostics onto the bench log topic, rate limited so a
		// chatty subsystem cannot flood the broker.
		pub := monitoring.NewRateLimitedPublisher(events, monitoring.LevelInfo, time.Second, 10)
		monitoring.SetLogger(func(format string, v ...interface{}) {
			log.Printf(format, v...)
			pub.Publish(monitoring.LevelInfo, format, v...)
		})
	} else {
		thr = throttle.NewLoopback()
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	// The hub needs a command handler and the bench needs the hub, so the
	// bench pointer is bound after construction.
	var b *bench.Bench
	hub := ws.NewHub(func(action string) {
		if b != nil {
			b.HandleCommand(action)
		}
	})

	deps := bench.Deps{
		Config:   cfg,
		Detector: detector,
		Load:     load,
		Vib:      vib,
		Audio:    aud,
		Switches: switches,
		Throttle: thr,
		Store:    database,
		Hub:      hub,
	}
	if events != nil {
		deps.Events = events
	}
	b = bench.New(deps)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the bench head port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := head.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor bench head: %v", err)
		}
		log.Print("head monitor routine terminated")
	}()

	// websocket hub routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
		log.Print("websocket hub routine terminated")
	}()

	// control loop routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx, bench.DefaultTickInterval)
		log.Print("control loop routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		apiMux := api.NewServer(b, database, cfg).ServeMux()
		mux.Handle("/api/", apiMux)

		mux.HandleFunc("/ws", hub.HandleWebSocket)

		// read static files from the embedded filesystem in production or
		// from the local ./static in dev for easier iteration without
		// restarting the server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			sub, err := fs.Sub(staticFiles, "static")
			if err != nil {
				log.Fatalf("failed to mount embedded static files: %v", err)
			}
			staticHandler = http.FileServer(http.FS(sub))
		}
		mux.Handle("/", staticHandler)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
