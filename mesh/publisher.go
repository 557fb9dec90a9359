package mesh

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishPrefix is the topic prefix used when none is configured.
const DefaultPublishPrefix = "sotonmesh"

// Publisher announces finished runs over MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *RunSummary
	mu            sync.RWMutex
}

// diagnosticsMessage is the payload of the diagnostics topic
type diagnosticsMessage struct {
	RunID           string            `json:"runId"`
	Entities        int               `json:"entities"`
	LocationUnknown []UnknownLocation `json:"locationUnknown"`
	Timestamp       int64             `json:"timestamp"`
}

// NewPublisher creates a new run publisher
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,    // summaries are rare, make sure they land
		retain:        true, // late subscribers see the latest run
	}
}

// PublishRun publishes the run summary and the location-unknown list
func (p *Publisher) PublishRun(d *Dataset) error {
	summary := d.Summary()
	if err := p.PublishSummary(summary); err != nil {
		log.Error("Publishing run summary failed", "run", summary.RunID, "err", err)
		return err
	}

	report := d.DiagnosticsReport()
	if err := p.PublishDiagnostics(report); err != nil {
		log.Error("Publishing diagnostics failed", "run", report.RunID, "err", err)
		return err
	}
	return nil
}

// PublishSummary publishes to {prefix}/summary
func (p *Publisher) PublishSummary(s RunSummary) error {
	if err := p.publish("summary", s); err != nil {
		return err
	}

	p.mu.Lock()
	p.last = &s
	p.mu.Unlock()

	log.Info("Published run summary", "run", s.RunID, "locationUnknown", s.LocationUnknown)
	return nil
}

// PublishDiagnostics publishes to {prefix}/diagnostics
func (p *Publisher) PublishDiagnostics(r DiagnosticsReport) error {
	return p.publish("diagnostics", diagnosticsMessage{
		RunID:           r.RunID,
		Entities:        len(r.Entities),
		LocationUnknown: r.LocationUnknown,
		Timestamp:       time.Now().Unix(),
	})
}

func (p *Publisher) publish(subtopic string, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/%s", p.publishPrefix, subtopic)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", subtopic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastSummary returns the last summary published
func (p *Publisher) LastSummary() (RunSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return RunSummary{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
