package transport

import (
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/core/pointers"
)

// PahoBuilder is a builder helper for the Paho transport
type PahoBuilder struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883 or ssl://host:8883. This is mandatory.
	Broker string
	// ClientID is optional. A random id is generated when empty.
	ClientID string
	// Username is the device access token for token authentication, or "provision"
	// for provisioning sessions
	Username string
	// Password is optional
	Password string
	// TLSConfig is optional
	TLSConfig *tls.Config
	// QoS is the quality level for publish and subscribe. Default is 1.
	QoS *byte
	// Timeout bounds every broker round trip. Default is 10s.
	Timeout time.Duration
	// KeepAlive is the MQTT keep alive interval. Default is 30s.
	KeepAlive time.Duration
	// Buffer is the size of the inbound message channel. Default is 64.
	Buffer int
}

// Paho is an MQTT transport based on the Eclipse Paho client.
//
// Paho invokes handlers on its own goroutines. They only forward to channels,
// messages that do not fit into the inbound buffer are dropped with a warning.
type Paho struct {
	client   mqtt.Client
	qos      byte
	timeout  time.Duration
	messages chan Message
	events   chan Event
	log      *logrus.Entry
}

// NewPaho creates the transport. It does not connect, call Connect.
func NewPaho(b *PahoBuilder) *Paho {
	if len(b.Broker) == 0 {
		panic("Broker is missing")
	}
	clientID := b.ClientID
	if len(clientID) == 0 {
		clientID = uuid.New().String()
	}
	qos := pointers.ValueOr(b.QoS, 1)
	timeout := b.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	keepAlive := b.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}
	buffer := b.Buffer
	if buffer <= 0 {
		buffer = 64
	}

	p := &Paho{
		qos:      qos,
		timeout:  timeout,
		messages: make(chan Message, buffer),
		events:   make(chan Event, 8),
		log:      logger.ForComponent("transport").WithField("broker", b.Broker),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(b.Broker).
		SetClientID(clientID).
		SetUsername(b.Username).
		SetPassword(b.Password).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetDefaultPublishHandler(p.onMessage).
		SetOnConnectHandler(func(mqtt.Client) {
			p.log.Infoln("connected")
			p.emit(Event{Type: Connected})
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.log.WithError(err).Warnln("connection lost")
			p.emit(Event{Type: ConnectionLost, Error: err})
		})
	if b.TLSConfig != nil {
		opts.SetTLSConfig(b.TLSConfig)
	}
	p.client = mqtt.NewClient(opts)
	return p
}

// Connect connects to the broker and waits for the acknowledgement
func (p *Paho) Connect() error {
	return p.wait("connect", p.client.Connect())
}

// Disconnect closes the connection, waiting at most quiesce for pending work
func (p *Paho) Disconnect(quiesce time.Duration) {
	p.client.Disconnect(uint(quiesce.Milliseconds()))
}

// Publish implements Publisher
func (p *Paho) Publish(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return p.wait("publish "+topic, p.client.Publish(topic, p.qos, false, payload))
}

// Subscribe implements Subscriber
func (p *Paho) Subscribe(topic string) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return p.wait("subscribe "+topic, p.client.Subscribe(topic, p.qos, p.onMessage))
}

// Unsubscribe implements Subscriber
func (p *Paho) Unsubscribe(topic string) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return p.wait("unsubscribe "+topic, p.client.Unsubscribe(topic))
}

// Messages implements Transport
func (p *Paho) Messages() <-chan Message {
	return p.messages
}

// Events implements Transport
func (p *Paho) Events() <-chan Event {
	return p.events
}

func (p *Paho) wait(operation string, token mqtt.Token) error {
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%s: timeout after %v", operation, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}

func (p *Paho) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m := Message{Topic: msg.Topic(), Payload: append([]byte(nil), msg.Payload()...)}
	select {
	case p.messages <- m:
	default:
		p.log.Warnf("inbound buffer full, dropping message on %s (%d bytes)", m.Topic, len(m.Payload))
	}
}

func (p *Paho) emit(event Event) {
	select {
	case p.events <- event:
	default:
		p.log.Warnln("event buffer full, dropping connection event")
	}
}
