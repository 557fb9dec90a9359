package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cgutteridge/sotonmesh/mesh"
)

// mqttConnectTimeout bounds how long a run waits for the broker before
// giving up on announcing itself.
const mqttConnectTimeout = 30 * time.Second

// fuser runs one fusion pass. Implemented by *mesh.Pipeline.
type fuser interface {
	Run(ctx context.Context) (*mesh.Dataset, error)
}

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	StateTracker *mesh.StateTracker
	Metrics      *mesh.Metrics
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	OutputDir   string
	MetricsFile string
	LogLevel    string
	HttpPort    int
	Interval    time.Duration
	Publish     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: mesh.NewStateTracker(),
		Metrics:      mesh.NewMetrics(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.OutputDir = opts.OutputDir
	a.MetricsFile = opts.MetricsFile
	a.LogLevel = opts.LogLevel
	a.HttpPort = opts.HttpPort
	a.Interval = opts.Interval
	a.Publish = opts.Publish
}

// loadConfig reads the config file and applies CLI overrides on top
func (a *App) loadConfig() error {
	config, err := mesh.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", a.ConfigFile, err)
	}
	if a.OutputDir != "" {
		config.Output.Dir = a.OutputDir
	}
	if a.MetricsFile != "" {
		config.Output.MetricsFile = a.MetricsFile
	}
	if a.LogLevel != "" {
		config.LogLevel = a.LogLevel
	}
	a.Config = config

	setupLogging(config.LogLevel)
	log.Info("Loaded config", "path", a.ConfigFile, "output", config.Output.Dir)
	return nil
}

// RunFusion runs a single fusion pass
func (a *App) RunFusion(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	pipeline, closeSources, err := a.openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeSources()

	if a.Publish {
		a.connectPublisher(ctx)
		defer a.disconnect()
	}

	return a.fuseOnce(ctx, pipeline)
}

// RunService serves the latest run over HTTP. With a positive Interval it
// also re-runs fusion on a ticker until ctx is cancelled.
func (a *App) RunService(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	a.StateTracker = mesh.NewStateTrackerWithDir(a.Config.Output.Dir)

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
		Handler:           newHTTPServer(a.StateTracker, a.Metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if a.Interval > 0 {
		pipeline, closeSources, err := a.openPipeline(ctx)
		if err != nil {
			_ = server.Close()
			return err
		}
		defer closeSources()

		if a.Publish {
			a.connectPublisher(ctx)
			defer a.disconnect()
		}

		go a.fuseEvery(ctx, pipeline, a.Interval)
	}

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// fuseEvery runs fusion immediately and then on every tick. A failed run is
// logged and the previous output stays in place.
func (a *App) fuseEvery(ctx context.Context, f fuser, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.fuseOnce(ctx, f); err != nil {
			log.Error("Fusion run failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fuseOnce runs one pass and hands the dataset to every consumer
func (a *App) fuseOnce(ctx context.Context, f fuser) error {
	ds, err := f.Run(ctx)
	if err != nil {
		return fmt.Errorf("fusion: %w", err)
	}

	if err := mesh.WriteDataFiles(a.Config.Output.Dir, ds); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	log.Info("Wrote data files", "dir", a.Config.Output.Dir, "run", ds.RunID)
	reportDiagnostics(ds)

	if path := a.Config.Output.MetricsFile; path != "" && a.Metrics != nil {
		if err := a.Metrics.WriteTextfile(path); err != nil {
			log.Warn("Writing metrics textfile failed", "path", path, "err", err)
		}
	}

	a.StateTracker.Update(ds)

	if a.Publisher != nil {
		if err := a.Publisher.PublishRun(ds); err != nil {
			log.Warn("Run not announced", "err", err)
		}
	}
	return nil
}

// reportDiagnostics logs the run's findings grouped by entity, in entity
// order, then singles out teaching rooms nobody can find.
func reportDiagnostics(ds *mesh.Dataset) {
	if ds.Diagnostics == nil {
		return
	}
	for _, ed := range ds.Diagnostics.Summarize() {
		for _, r := range ed.Records {
			logAt(r.Severity)(r.Message, "entity", ed.EntityID, "category", r.Category)
		}
	}

	for _, u := range ds.Diagnostics.LocationUnknown() {
		if u.Teaching {
			log.Error("Teaching room has no known location", "entity", u.EntityID)
		}
	}
}

func logAt(s mesh.Severity) func(interface{}, ...interface{}) {
	switch s {
	case mesh.SeverityError:
		return log.Error
	case mesh.SeverityWarning:
		return log.Warn
	default:
		return log.Info
	}
}

// openPipeline connects to PostGIS, the SPARQL endpoint and the optional
// Redis cache, and builds the pipeline over them
func (a *App) openPipeline(ctx context.Context) (*mesh.Pipeline, func(), error) {
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("Closing source failed", "err", err)
			}
		}
	}

	db, err := mesh.OpenPostGIS(a.Config.Postgres)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, db.Close)
	if err := db.Ping(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}

	fetchOpts := []mesh.FetchOption{mesh.WithTimeout(a.Config.GetSPARQLTimeout())}
	if a.Config.SPARQL.MaxRetries > 0 {
		fetchOpts = append(fetchOpts, mesh.WithMaxRetries(a.Config.SPARQL.MaxRetries))
	}
	if cache := mesh.NewRedisCache(a.Config.Redis); cache != nil {
		if err := cache.Ping(ctx); err != nil {
			log.Warn("Redis unavailable, SPARQL responses will not be cached", "addr", a.Config.Redis.Addr, "err", err)
			_ = cache.Close()
		} else {
			closers = append(closers, cache.Close)
			fetchOpts = append(fetchOpts, mesh.WithCache(cache))
			log.Info("Caching SPARQL responses", "addr", a.Config.Redis.Addr)
		}
	}

	client, err := mesh.NewSPARQLClient(a.Config.SPARQL.Endpoint, fetchOpts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	pipelineOpts := []mesh.PipelineOption{mesh.WithMetrics(a.Metrics)}
	if a.Config.PrinterLocations != "" {
		locations, err := mesh.LoadPrinterLocations(a.Config.PrinterLocations)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		pipelineOpts = append(pipelineOpts, mesh.WithPrinterLocations(locations))
	}

	pipeline := mesh.NewPipeline(db, mesh.NewSPARQLSource(client), a.Config, pipelineOpts...)
	return pipeline, closeAll, nil
}

// connectPublisher sets up MQTT announcements. MQTT is optional: any
// failure is logged and the run goes ahead without it.
func (a *App) connectPublisher(ctx context.Context) {
	client, err := mesh.NewMQTTClient(a.Config)
	if err != nil {
		log.Warn("MQTT setup failed", "err", err)
		return
	}
	if client == nil {
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		log.Warn("MQTT unavailable, runs will not be announced", "err", err)
		return
	}

	a.MQTTClient = client
	a.Publisher = mesh.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix)
}

func (a *App) disconnect() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
}
