package mesh

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken is an mqtt.Token that has already completed.
type MockToken struct {
	err error
}

func NewMockToken(err error) *MockToken {
	return &MockToken{err: err}
}

func (t *MockToken) Wait() bool                       { return true }
func (t *MockToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }

func (t *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockMessage is one message captured by MockClient.
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient implements mqtt.Client for testing. It records published
// messages so run announcements can be asserted without a broker.
// Subscriptions are accepted and ignored; the publisher never consumes.
type MockClient struct {
	mu           sync.RWMutex
	connected    bool
	connectError error
	publishError error
	onConnect    mqtt.OnConnectHandler
	published    []MockMessage
}

// NewMockClient creates a disconnected mock client
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// SetConnectError makes every later Connect fail with err
func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	c.connectError = err
	c.mu.Unlock()
}

// SetPublishError makes every later Publish fail with err
func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	c.publishError = err
	c.mu.Unlock()
}

// SetOnConnect registers a handler run after a successful Connect
func (c *MockClient) SetOnConnect(handler mqtt.OnConnectHandler) {
	c.mu.Lock()
	c.onConnect = handler
	c.mu.Unlock()
}

// GetPublishedMessages returns a copy of everything published so far
func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]MockMessage(nil), c.published...)
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectError
	if err == nil {
		c.connected = true
	}
	handler := c.onConnect
	c.mu.Unlock()

	if err == nil && handler != nil {
		go handler(c)
	}
	return NewMockToken(err)
}

func (c *MockClient) Disconnect(_ uint) {
	c.SetConnected(false)
}

// Publish records the message. Payloads other than []byte and string are
// stored as empty.
func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.connected:
		return NewMockToken(mqtt.ErrNotConnected)
	case c.publishError != nil:
		return NewMockToken(c.publishError)
	}

	msg := MockMessage{Topic: topic, QoS: qos, Retain: retained}
	switch v := payload.(type) {
	case []byte:
		msg.Payload = v
	case string:
		msg.Payload = []byte(v)
	}
	c.published = append(c.published, msg)
	return NewMockToken(nil)
}

func (c *MockClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return c.connectedToken()
}

func (c *MockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return c.connectedToken()
}

func (c *MockClient) Unsubscribe(...string) mqtt.Token { return NewMockToken(nil) }

func (c *MockClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (c *MockClient) connectedToken() mqtt.Token {
	if !c.IsConnected() {
		return NewMockToken(mqtt.ErrNotConnected)
	}
	return NewMockToken(nil)
}
