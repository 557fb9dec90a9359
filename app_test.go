package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgutteridge/sotonmesh/mesh"
)

// stubFuser returns a canned dataset, or err
type stubFuser struct {
	runs int
	err  error
}

func (s *stubFuser) Run(ctx context.Context) (*mesh.Dataset, error) {
	s.runs++
	if s.err != nil {
		return nil, s.err
	}
	return testDataset("run-test"), nil
}

func testDataset(runID string) *mesh.Dataset {
	sink := mesh.NewDiagnosticsSink()
	sink.Record("http://id.southampton.ac.uk/room/32-2095", mesh.SeverityError, mesh.CategoryLocation, mesh.MessageUnknownTeaching)
	sink.Record("way/123", mesh.SeverityError, mesh.CategoryLevel, "unknown level at 50.934000,-1.396000")
	return &mesh.Dataset{
		RunID:       runID,
		GeneratedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
		Diagnostics: sink,
	}
}

func writeTestConfig(t *testing.T, outputDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "postgres:\n  dsn: postgres://osm@localhost/osm\n" +
		"sparql:\n  endpoint: http://sparql.example.org/sparql\n" +
		"output:\n  dir: " + outputDir + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.NotNil(t, app.StateTracker, "StateTracker should be initialized")
	assert.NotNil(t, app.Metrics, "Metrics should be initialized")
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:  "test-config.yaml",
		OutputDir:   "/tmp/out",
		MetricsFile: "/tmp/metrics.prom",
		LogLevel:    "debug",
		HttpPort:    9090,
		Interval:    time.Hour,
		Publish:     true,
	}

	app.ApplyOptions(opts)

	assert.Equal(t, "test-config.yaml", app.ConfigFile)
	assert.Equal(t, "/tmp/out", app.OutputDir)
	assert.Equal(t, "/tmp/metrics.prom", app.MetricsFile)
	assert.Equal(t, "debug", app.LogLevel)
	assert.Equal(t, 9090, app.HttpPort)
	assert.Equal(t, time.Hour, app.Interval)
	assert.True(t, app.Publish)
}

func TestApp_LoadConfig_Overrides(t *testing.T) {
	app := NewApp()
	app.ConfigFile = writeTestConfig(t, "from-file")
	app.OutputDir = "from-flag"
	app.MetricsFile = "metrics.prom"

	require.NoError(t, app.loadConfig())
	assert.Equal(t, "from-flag", app.Config.Output.Dir)
	assert.Equal(t, "metrics.prom", app.Config.Output.MetricsFile)
}

func TestApp_LoadConfig_Missing(t *testing.T) {
	app := NewApp()
	app.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")

	err := app.loadConfig()
	assert.Error(t, err)
	assert.Error(t, app.RunFusion(context.Background()))
}

func TestApp_FuseOnce(t *testing.T) {
	outDir := t.TempDir()
	metricsFile := filepath.Join(t.TempDir(), "sotonmesh.prom")

	app := NewApp()
	app.Config = &mesh.Config{Output: mesh.OutputConfig{Dir: outDir, MetricsFile: metricsFile}}

	mock := mesh.NewMockClient()
	mock.SetConnected(true)
	app.Publisher = mesh.NewPublisher(mock, "campus")

	stub := &stubFuser{}
	require.NoError(t, app.fuseOnce(context.Background(), stub))
	assert.Equal(t, 1, stub.runs)

	for _, name := range []string{mesh.DataFile, mesh.DataSourceFile, mesh.DiagnosticsFile, mesh.SummaryFile} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
	assert.FileExists(t, metricsFile)

	summary, ok := app.StateTracker.GetSummary()
	require.True(t, ok)
	assert.Equal(t, "run-test", summary.RunID)
	assert.Equal(t, 1, summary.TeachingUnknown)

	messages := mock.GetPublishedMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, "campus/summary", messages[0].Topic)

	var published mesh.RunSummary
	require.NoError(t, json.Unmarshal(messages[0].Payload, &published))
	assert.Equal(t, "run-test", published.RunID)
}

func TestApp_FuseOnce_ReportsDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetLevel(log.InfoLevel)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	app := NewApp()
	app.Config = &mesh.Config{Output: mesh.OutputConfig{Dir: t.TempDir()}}
	require.NoError(t, app.fuseOnce(context.Background(), &stubFuser{}))

	out := buf.String()
	room := "http://id.southampton.ac.uk/room/32-2095"

	first := strings.Index(out, "entity="+room)
	second := strings.Index(out, "entity=way/123")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second, "entities are reported in identifier order")
	assert.Contains(t, out, "unknown level at 50.934000,-1.396000")
	assert.Contains(t, out, "category="+mesh.CategoryLevel)

	var teaching []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "Teaching room has no known location") {
			teaching = append(teaching, line)
		}
	}
	require.Len(t, teaching, 1)
	assert.Contains(t, teaching[0], room)
	assert.Contains(t, teaching[0], "ERRO")
}

func TestApp_FuseOnce_FailureKeepsPreviousOutput(t *testing.T) {
	outDir := t.TempDir()
	app := NewApp()
	app.Config = &mesh.Config{Output: mesh.OutputConfig{Dir: outDir}}

	require.NoError(t, app.fuseOnce(context.Background(), &stubFuser{}))

	err := app.fuseOnce(context.Background(), &stubFuser{err: mesh.ErrEmptyLookup})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mesh.ErrEmptyLookup))

	summary, err := mesh.LoadSummary(outDir)
	require.NoError(t, err)
	assert.Equal(t, "run-test", summary.RunID)
}

func TestApp_FuseOnce_PublishFailureIsNotFatal(t *testing.T) {
	app := NewApp()
	app.Config = &mesh.Config{Output: mesh.OutputConfig{Dir: t.TempDir()}}
	app.Publisher = mesh.NewPublisher(mesh.NewMockClient(), "campus")

	assert.NoError(t, app.fuseOnce(context.Background(), &stubFuser{}))
	assert.True(t, app.StateTracker.HasRun())
}

func TestApp_FuseEvery_StopsOnCancel(t *testing.T) {
	app := NewApp()
	app.Config = &mesh.Config{Output: mesh.OutputConfig{Dir: t.TempDir()}}

	ctx, cancel := context.WithCancel(context.Background())
	stub := &stubFuser{err: errors.New("sparql down")}

	done := make(chan struct{})
	go func() {
		app.fuseEvery(ctx, stub, time.Hour)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fuseEvery did not stop after cancel")
	}
	assert.Equal(t, 1, stub.runs, "first run happens immediately")
	assert.False(t, app.StateTracker.HasRun())
}

func TestApp_ConnectPublisher_NoBroker(t *testing.T) {
	app := NewApp()
	app.Config = &mesh.Config{}

	app.connectPublisher(context.Background())
	assert.Nil(t, app.Publisher)
	assert.Nil(t, app.MQTTClient)
	app.disconnect()
}
