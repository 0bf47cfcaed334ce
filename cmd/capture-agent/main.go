// Capture Agent - passive game-traffic observer
// Reconstructs nearby entities and combat events from captured TCP
// streams and feeds the in-memory meter plus an optional event archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/properafk/properafk/pkg/capture"
	"github.com/properafk/properafk/pkg/database"
	"github.com/properafk/properafk/pkg/dispatch"
	"github.com/properafk/properafk/pkg/frame"
	"github.com/properafk/properafk/pkg/meter"
	"github.com/properafk/properafk/pkg/protocol"
	"github.com/properafk/properafk/pkg/stream"
)

// Config represents the capture agent configuration
type Config struct {
	Capture struct {
		DeviceIndex *int `yaml:"device_index"`
		BufferMB    int  `yaml:"buffer_mb"`
	} `yaml:"capture"`
	Pipeline struct {
		MaxFrameBytes      int    `yaml:"max_frame_bytes"`
		MaxFlowBufferBytes int    `yaml:"max_flow_buffer_bytes"`
		MaxEnvelopeNesting int    `yaml:"max_envelope_nesting"`
		FlowIdleSeconds    int    `yaml:"flow_idle_seconds"`
		ServiceID          uint64 `yaml:"service_id"`
	} `yaml:"pipeline"`
	Database struct {
		Enabled       bool   `yaml:"enabled"`
		Host          string `yaml:"host"`
		Port          int    `yaml:"port"`
		Database      string `yaml:"database"`
		User          string `yaml:"user"`
		Password      string `yaml:"password"`
		PoolSize      int    `yaml:"pool_size"`
		BufferSize    int    `yaml:"buffer_size"`
		FlushInterval int    `yaml:"flush_interval"`
	} `yaml:"database"`
	Monitoring struct {
		StatsInterval  int  `yaml:"stats_interval"`
		PrometheusPort int  `yaml:"prometheus_port"`
		Enabled        bool `yaml:"enabled"`
	} `yaml:"monitoring"`
}

// CaptureAgent is the main agent structure
type CaptureAgent struct {
	config Config
	logger *zap.Logger

	store       *meter.Store
	dbClient    *database.Client
	dispatcher  *dispatch.Dispatcher
	router      *protocol.Router
	codec       *frame.Codec
	frameParser *frame.Parser
	reassembler *stream.Reassembler
	demux       *capture.Demux

	mu            sync.Mutex
	source        *capture.Source
	captureCancel context.CancelFunc
	captureWG     sync.WaitGroup

	eventBuffer chan database.CombatEventDB
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	// Statistics
	eventsArchived   atomic.Uint64
	eventsDropped    atomic.Uint64
	dbInsertsSuccess atomic.Uint64
	dbInsertsFailed  atomic.Uint64
}

// NewCaptureAgent creates a new capture agent
func NewCaptureAgent(config Config) (*CaptureAgent, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.EncoderConfig.TimeKey = "timestamp"
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	agent := &CaptureAgent{
		config: config,
		logger: logger,
		store:  meter.NewStore(),
		ctx:    ctx,
		cancel: cancel,
	}

	if config.Database.Enabled {
		dbClient, err := database.NewClient(ctx, database.Config{
			Host:     config.Database.Host,
			Port:     config.Database.Port,
			Database: config.Database.Database,
			User:     config.Database.User,
			Password: config.Database.Password,
			PoolSize: config.Database.PoolSize,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create database client: %w", err)
		}
		agent.dbClient = dbClient
		agent.eventBuffer = make(chan database.CombatEventDB, config.Database.BufferSize)
		agent.store.SetEventHook(agent.archiveEvent)
	}

	agent.dispatcher = dispatch.NewDispatcher(agent.store, logger)
	agent.router = protocol.NewRouter(config.Pipeline.ServiceID, agent.dispatcher, logger)

	codec, err := frame.NewCodec()
	if err != nil {
		cancel()
		return nil, err
	}
	agent.codec = codec
	agent.frameParser = frame.NewParser(codec, agent.router, config.Pipeline.MaxEnvelopeNesting, logger)

	agent.reassembler = stream.NewReassembler(stream.Config{
		MaxFrameBytes:      config.Pipeline.MaxFrameBytes,
		MaxFlowBufferBytes: config.Pipeline.MaxFlowBufferBytes,
		FlowIdleTimeout:    time.Duration(config.Pipeline.FlowIdleSeconds) * time.Second,
	}, agent.frameParser.HandleFrame, logger)

	agent.demux = capture.NewDemux(agent.reassembler.Push)

	return agent, nil
}

// archiveEvent tees one accepted combat event into the archive buffer.
func (a *CaptureAgent) archiveEvent(ev dispatch.DamageEvent, toPlayer bool) {
	record := database.CombatEventDB{
		Time:         time.Now(),
		AttackerID:   int64(ev.AttackerID),
		TargetID:     int64(ev.TargetID),
		SkillID:      int64(ev.SkillID),
		Value:        ev.Value,
		LuckyValue:   ev.LuckyValue,
		IsCrit:       ev.IsCrit,
		IsLucky:      ev.IsLucky,
		IsHeal:       ev.IsHeal,
		IsMiss:       ev.IsMiss,
		IsDead:       ev.IsDead,
		HPLessen:     ev.HPLessenValue,
		Element:      ev.DamageElement,
		DamageSource: int32(ev.DamageSource),
		ToPlayer:     toPlayer,
	}
	select {
	case a.eventBuffer <- record:
		a.eventsArchived.Add(1)
	default:
		// Buffer full; the live meter matters more than the archive.
		a.eventsDropped.Add(1)
	}
}

// Start starts the capture agent
func (a *CaptureAgent) Start() error {
	a.logger.Info("Starting ProperAFK Capture Agent",
		zap.String("version", "1.0.0"),
		zap.Uint64("service_id", a.config.Pipeline.ServiceID),
		zap.Int("max_frame_bytes", a.config.Pipeline.MaxFrameBytes),
	)

	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}

	var device capture.Device
	if a.config.Capture.DeviceIndex != nil {
		device, err = capture.DeviceByIndex(devices, *a.config.Capture.DeviceIndex)
	} else {
		device, err = capture.DefaultDevice(devices)
	}
	if err != nil {
		return err
	}

	if err := a.startCapture(device); err != nil {
		return err
	}

	if a.dbClient != nil {
		a.wg.Add(1)
		go a.databaseWriter()
	}

	if a.config.Monitoring.Enabled {
		a.wg.Add(1)
		go a.statsReporter()
		a.startMetricsServer()
	}

	a.logger.Info("Capture Agent started successfully")
	return nil
}

// startCapture opens the device and launches the capture loop.
func (a *CaptureAgent) startCapture(device capture.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := capture.DefaultSourceConfig()
	if a.config.Capture.BufferMB > 0 {
		cfg.BufferBytes = a.config.Capture.BufferMB * 1024 * 1024
	}

	source, err := capture.OpenSource(device.Name, cfg, a.logger)
	if err != nil {
		return err
	}
	a.source = source

	captureCtx, captureCancel := context.WithCancel(a.ctx)
	a.captureCancel = captureCancel

	a.captureWG.Add(1)
	go func() {
		defer a.captureWG.Done()
		if err := source.Run(captureCtx, a.demux.HandlePacket); err != nil {
			a.logger.Error("capture loop exited", zap.Error(err))
		}
	}()

	return nil
}

// SwitchDevice stops capture on the current device, drops all per-flow
// buffers and the dispatcher's entity state, and restarts on the device
// at index. The meter store keeps the profiles and totals it already
// accumulated.
func (a *CaptureAgent) SwitchDevice(index int) error {
	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}
	device, err := capture.DeviceByIndex(devices, index)
	if err != nil {
		return err
	}

	a.stopCapture()
	a.reassembler.Reset()
	a.dispatcher.Reset()

	a.logger.Info("switching capture device",
		zap.Int("index", index),
		zap.String("device", device.Name),
	)
	return a.startCapture(device)
}

func (a *CaptureAgent) stopCapture() {
	a.mu.Lock()
	if a.captureCancel != nil {
		a.captureCancel()
	}
	a.mu.Unlock()

	a.captureWG.Wait()

	a.mu.Lock()
	if a.source != nil {
		a.source.Close()
		a.source = nil
	}
	a.mu.Unlock()
}

// databaseWriter batches combat events and writes them to the archive
func (a *CaptureAgent) databaseWriter() {
	defer a.wg.Done()

	batch := make([]database.CombatEventDB, 0, a.config.Database.BufferSize)
	ticker := time.NewTicker(time.Duration(a.config.Database.FlushInterval) * time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := a.dbClient.InsertCombatEvents(batch); err != nil {
			a.dbInsertsFailed.Add(1)
			a.logger.Error("Failed to insert combat events", zap.Error(err), zap.Int("count", len(batch)))
		} else {
			a.dbInsertsSuccess.Add(1)
			a.logger.Debug("Inserted combat events", zap.Int("count", len(batch)))
		}

		batch = batch[:0]
	}

	for {
		select {
		case <-a.ctx.Done():
			flush()
			return
		case ev := <-a.eventBuffer:
			batch = append(batch, ev)
			if len(batch) >= a.config.Database.BufferSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// statsReporter periodically logs pipeline statistics
func (a *CaptureAgent) statsReporter() {
	defer a.wg.Done()

	ticker := time.NewTicker(time.Duration(a.config.Monitoring.StatsInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			var captured uint64
			if a.source != nil {
				captured = a.source.PacketsCaptured.Load()
			}
			a.mu.Unlock()

			a.logger.Info("Capture Agent Statistics",
				zap.Uint64("packets_captured", captured),
				zap.Uint64("packets_demuxed", a.demux.PacketsSeen.Load()),
				zap.Uint64("frames_emitted", a.reassembler.FramesEmitted.Load()),
				zap.Uint64("bytes_resynced", a.reassembler.BytesResynced.Load()),
				zap.Int("live_flows", a.reassembler.FlowCount()),
				zap.Uint64("notify_frames", a.frameParser.NotifyFrames.Load()),
				zap.Uint64("decompress_failures", a.codec.Failures.Load()),
				zap.Uint64("decode_errors", a.router.DecodeErrors.Load()),
				zap.Uint64("attr_errors", a.dispatcher.AttrErrors.Load()),
				zap.Uint64("player_events", a.dispatcher.PlayerEvents.Load()),
				zap.Uint64("enemy_events", a.dispatcher.EnemyEvents.Load()),
				zap.Uint64("events_archived", a.eventsArchived.Load()),
				zap.Uint64("events_dropped", a.eventsDropped.Load()),
			)
		}
	}
}

// startMetricsServer exposes per-kind pipeline counters on /metrics.
func (a *CaptureAgent) startMetricsServer() {
	if a.config.Monitoring.PrometheusPort <= 0 {
		return
	}

	reg := prometheus.NewRegistry()
	counter := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "properafk",
			Name:      name,
			Help:      help,
		}, fn))
	}

	counter("frames_emitted_total", "Application frames emitted by the reassembler.",
		func() float64 { return float64(a.reassembler.FramesEmitted.Load()) })
	counter("resync_bytes_total", "Bytes skipped while resynchronizing flows.",
		func() float64 { return float64(a.reassembler.BytesResynced.Load()) })
	counter("flows_dropped_total", "Flows discarded for exceeding the buffer cap.",
		func() float64 { return float64(a.reassembler.FlowsDropped.Load()) })
	counter("decompress_failures_total", "Frames dropped because zstd decompression failed.",
		func() float64 { return float64(a.codec.Failures.Load()) })
	counter("notify_frames_total", "Notify envelopes handed to the router.",
		func() float64 { return float64(a.frameParser.NotifyFrames.Load()) })
	counter("service_filtered_total", "Notify messages discarded by service id.",
		func() float64 { return float64(a.router.ServiceFiltered.Load()) })
	counter("schema_decode_errors_total", "Frames dropped because schema decoding failed.",
		func() float64 { return float64(a.router.DecodeErrors.Load()) })
	counter("attr_decode_errors_total", "Attributes dropped because blob decoding failed.",
		func() float64 { return float64(a.dispatcher.AttrErrors.Load()) })
	counter("classification_unknown_total", "Entities dropped for an unknown uuid discriminator.",
		func() float64 { return float64(a.dispatcher.ClassificationUnknown.Load()) })
	counter("unexpected_type_flags_total", "Damage events carrying undocumented type-flag bits.",
		func() float64 { return float64(a.dispatcher.UnexpectedTypeFlags.Load()) })
	counter("player_events_total", "Player-to-monster combat events emitted.",
		func() float64 { return float64(a.dispatcher.PlayerEvents.Load()) })
	counter("enemy_events_total", "Monster-to-player combat events emitted.",
		func() float64 { return float64(a.dispatcher.EnemyEvents.Load()) })

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Monitoring.PrometheusPort),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-a.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}

// Stop stops the capture agent gracefully
func (a *CaptureAgent) Stop() {
	a.logger.Info("Stopping Capture Agent...")
	a.stopCapture()
	a.cancel()
	a.wg.Wait()
	if a.dbClient != nil {
		a.dbClient.Close()
	}
	a.codec.Close()
	a.logger.Info("Capture Agent stopped")
}

// loadConfig loads configuration from YAML file
func loadConfig(filename string) (Config, error) {
	var config Config

	data, err := os.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config: %w", err)
	}

	// Set defaults
	if config.Capture.BufferMB == 0 {
		config.Capture.BufferMB = 10
	}
	if config.Pipeline.MaxFrameBytes == 0 {
		config.Pipeline.MaxFrameBytes = stream.DefaultMaxFrameBytes
	}
	if config.Pipeline.MaxFlowBufferBytes == 0 {
		config.Pipeline.MaxFlowBufferBytes = stream.DefaultMaxFlowBufferBytes
	}
	if config.Pipeline.MaxEnvelopeNesting == 0 {
		config.Pipeline.MaxEnvelopeNesting = frame.DefaultMaxNesting
	}
	if config.Pipeline.FlowIdleSeconds == 0 {
		config.Pipeline.FlowIdleSeconds = 120
	}
	if config.Pipeline.ServiceID == 0 {
		config.Pipeline.ServiceID = protocol.DefaultServiceID
	}
	if config.Database.PoolSize == 0 {
		config.Database.PoolSize = 10
	}
	if config.Database.BufferSize == 0 {
		config.Database.BufferSize = 5000
	}
	if config.Database.FlushInterval == 0 {
		config.Database.FlushInterval = 5
	}
	if config.Monitoring.StatsInterval == 0 {
		config.Monitoring.StatsInterval = 30
	}

	return config, nil
}

func listDevices() error {
	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		fmt.Printf("[%d] %s", dev.Index, dev.Name)
		if dev.Description != "" {
			fmt.Printf(" (%s)", dev.Description)
		}
		for _, ip := range dev.Addresses {
			fmt.Printf(" %s", ip)
		}
		fmt.Println()
	}
	return nil
}

func main() {
	configFile := flag.String("config", "configs/capture-agent.yaml", "Path to configuration file")
	list := flag.Bool("list-devices", false, "List capture devices and exit")
	device := flag.Int("device", -1, "Capture device index (overrides config)")
	flag.Parse()

	if *list {
		if err := listDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
			os.Exit(1)
		}
		return
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *device >= 0 {
		config.Capture.DeviceIndex = device
	}

	agent, err := NewCaptureAgent(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create agent: %v\n", err)
		os.Exit(1)
	}

	if err := agent.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start agent: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	agent.Stop()
}
