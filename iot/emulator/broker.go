package emulator

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

// Broker is a MQTT broker that answers the device protocol with a Cloud.
type Broker struct {
	p *plugin
}

// BrokerBuilder is a builder helper for the Broker
type BrokerBuilder struct {
	// Cloud answers device publishes. This is mandatory.
	Cloud *Cloud
	// Address is the listen address. Default is ":1883", or ":8883" with TLS.
	Address string
	// CertFile and KeyFile enable TLS when both are set
	CertFile string
	KeyFile  string
	// CACertFile additionally requires client certificates signed by this authority
	CACertFile string
}

// subscribeFilters are the topic filters devices may subscribe to
var subscribeFilters = []string{
	topic.Attributes,
	topic.AttributeResponsePattern,
	topic.RPCRequestPattern,
	topic.RPCResponsePattern,
	topic.ProvisionResponse,
	topic.FirmwareResponsePattern,
}

// plugin is the plugin for GMQTT
type plugin struct {
	listener net.Listener
	cloud    *Cloud
	service  gmqtt.Server
	log      *logrus.Entry
}

// NewBroker returns a new broker listening on the configured address. The broker will not
// actually run until you call Run()
func NewBroker(b *BrokerBuilder) (*Broker, error) {
	if b.Cloud == nil {
		panic("Cloud is missing")
	}
	tlsConfig, err := b.tlsConfig()
	if err != nil {
		return nil, err
	}

	address := b.Address
	var listener net.Listener
	if tlsConfig != nil {
		if len(address) == 0 {
			address = ":8883"
		}
		listener, err = tls.Listen("tcp", address, tlsConfig)
	} else {
		if len(address) == 0 {
			address = ":1883"
		}
		listener, err = net.Listen("tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	return &Broker{
		p: &plugin{
			listener: listener,
			cloud:    b.Cloud,
			log:      logger.ForComponent("broker"),
		},
	}, nil
}

func (b *BrokerBuilder) tlsConfig() (*tls.Config, error) {
	if len(b.CertFile) == 0 || len(b.KeyFile) == 0 {
		return nil, nil
	}
	crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load certificate: %w", err)
	}
	config := &tls.Config{Certificates: []tls.Certificate{crt}}
	if len(b.CACertFile) > 0 {
		caCert, err := os.ReadFile(b.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", b.CACertFile)
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}

// Addr returns the listen address
func (b *Broker) Addr() net.Addr {
	return b.p.listener.Addr()
}

// Run is blocking and runs the server until ctx is done
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.listener),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.p.log.Infof("broker started on %s", b.Addr())
	<-ctx.Done()
	err := s.Stop(context.Background())
	b.p.log.Infoln("broker stopped")
	return err
}

// Publish delivers messages to the connected devices with quality level 1
func (b *Broker) Publish(messages []transport.Message) {
	b.p.publish(messages)
}

func (p *plugin) publish(messages []transport.Message) {
	if p.service == nil {
		p.log.Warnf("broker not running, dropping %d messages", len(messages))
		return
	}
	for _, m := range messages {
		p.log.Debugf("publish on %s (%d bytes)", m.Topic, len(m.Payload))
		p.service.PublishService().Publish(gmqtt.NewMessage(m.Topic, m.Payload, packets.QOS_1))
	}
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "device cloud emulator" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper logs connecting devices
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		p.log.Infof("connect %s", client.OptionsReader().ClientID())
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, t packets.Topic) (qos uint8) {
		if !allowedFilter(t.Name) {
			p.log.Warnf("subscribe %s %s denied", client.OptionsReader().ClientID(), t.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, t)
	}
}

// OnMsgArrivedWrapper hands device publishes to the cloud and publishes its answers.
// Device publishes are never routed to subscribers, a device would otherwise receive its
// own client RPC requests and attribute reports.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		p.log.Debugf("%s published on %s", client.OptionsReader().ClientID(), msg.Topic())
		p.publish(p.cloud.Handle(msg.Topic(), msg.Payload()))
		return false
	}
}

func allowedFilter(filter string) bool {
	for _, allowed := range subscribeFilters {
		if filter == allowed {
			return true
		}
	}
	return false
}
