// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package device is the device client

A Client owns the transport, the watchdog scheduler and a set of capabilities. Every
inbound message is routed to the capabilities whose topic pattern matches it. After a
reconnect all capabilities re-establish their subscriptions.

The client is single threaded. Loop drains inbound messages and connection events and then
fires expired watchdogs. Run calls Loop until its context ends:

	c := device.New(&device.Builder{Transport: t})
	c.Attributes.RequestShared([]string{"interval"}, func(values json.RawMessage, err error) {
		...
	})
	c.Run(ctx)

Nothing in the client, its capabilities or their callbacks may be used from another
goroutine while Run is active.
*/
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/attributes"
	"github.com/relabs-tech/tbdevice/iot/ota"
	"github.com/relabs-tech/tbdevice/iot/ota/flash"
	"github.com/relabs-tech/tbdevice/iot/provision"
	"github.com/relabs-tech/tbdevice/iot/rpc"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

// Capability is a protocol feature that consumes inbound messages
type Capability interface {
	// Name identifies the capability in logs
	Name() string
	// Matches returns true for topics the capability handles
	Matches(topic string) bool
	// HandleResponse processes an inbound message
	HandleResponse(topic string, payload []byte)
	// Resubscribe re-establishes subscriptions after a reconnect
	Resubscribe() error
	// Unsubscribe drops all subscriptions
	Unsubscribe() error
}

// ErrCapabilitiesFull is returned by Register when the capability storage is full
var ErrCapabilitiesFull = errors.New("capability storage is full")

// FirmwareBuilder configures firmware updates
type FirmwareBuilder struct {
	// Writer stores downloaded images. This is mandatory.
	Writer flash.Writer
	// Title and Version of the running firmware
	Title   string
	Version string
	// ChunkSize, ChunkTimeout and Retries tune the download, see ota.Builder
	ChunkSize    uint32
	ChunkTimeout time.Duration
	Retries      int
	// Confirm reports UPDATED right after an image was stored
	Confirm bool
	// Progress is called after every received chunk
	Progress ota.ProgressCallback
	// OnUpdated is called after an image was stored, typically to restart the device
	OnUpdated func()
}

// Builder is a builder helper for the Client
type Builder struct {
	// Transport is mandatory
	Transport transport.Transport
	// Scheduler drives all timeouts. Default is a polled scheduler on the system clock.
	Scheduler *watchdog.Scheduler
	// Timeout is the response deadline of attribute, RPC and provisioning requests.
	// Default is 5 seconds.
	Timeout time.Duration
	// Policy selects the container backend of all bookkeeping. Default is growable.
	Policy container.Policy
	// Capacity is the number of pending requests per capability. Default is 4.
	Capacity int
	// Interval is the loop period of Run. Default is 50 milliseconds.
	Interval time.Duration
	// Firmware enables firmware updates
	Firmware *FirmwareBuilder
}

// maxCapabilities is the capacity of the capability storage
const maxCapabilities = 8

// Client is the device client.
type Client struct {
	transport    transport.Transport
	scheduler    *watchdog.Scheduler
	interval     time.Duration
	capabilities container.Container[Capability]
	log          *logrus.Entry

	// Attributes requests client and shared attributes
	Attributes *attributes.Requester
	// SharedUpdates delivers shared attribute changes
	SharedUpdates *attributes.Updates
	// RPC calls methods in the cloud
	RPC *rpc.Client
	// Methods serves RPC calls from the cloud
	Methods *rpc.Server
	// Provisioning provisions the device
	Provisioning *provision.Client
	// Firmware downloads images. It is nil unless Builder.Firmware is set.
	Firmware *ota.Handler
	// Updater keeps the firmware up to date. It is nil unless Builder.Firmware is set.
	Updater *ota.Updater
}

// New returns a new device client with all standard capabilities registered
func New(b *Builder) *Client {
	if b.Transport == nil {
		panic("Transport is missing")
	}
	scheduler := b.Scheduler
	if scheduler == nil {
		scheduler = watchdog.NewPolled(nil)
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	interval := b.Interval
	if interval == 0 {
		interval = 50 * time.Millisecond
	}
	capacity := b.Capacity
	if capacity == 0 {
		capacity = 4
	}

	c := &Client{
		transport:    b.Transport,
		scheduler:    scheduler,
		interval:     interval,
		capabilities: container.New[Capability](b.Policy, maxCapabilities),
		log:          logger.ForComponent("device"),
	}

	c.Attributes = attributes.NewRequester(&attributes.RequesterBuilder{
		Transport: b.Transport,
		Scheduler: scheduler,
		Timeout:   timeout,
		Policy:    b.Policy,
		Capacity:  capacity,
	})
	c.SharedUpdates = attributes.NewUpdates(b.Transport, b.Policy, capacity)
	c.RPC = rpc.NewClient(&rpc.ClientBuilder{
		Transport: b.Transport,
		Scheduler: scheduler,
		Timeout:   timeout,
		Policy:    b.Policy,
		Capacity:  capacity,
	})
	c.Methods = rpc.NewServer(b.Transport, b.Policy, capacity)
	c.Provisioning = provision.NewClient(&provision.Builder{
		Transport: b.Transport,
		Scheduler: scheduler,
		Timeout:   timeout,
	})
	c.mustRegister(c.Attributes, c.SharedUpdates, c.RPC, c.Methods, c.Provisioning)

	if fw := b.Firmware; fw != nil {
		if fw.Writer == nil {
			panic("Firmware Writer is missing")
		}
		c.Firmware = ota.NewHandler(&ota.Builder{
			Transport:    b.Transport,
			Scheduler:    scheduler,
			Writer:       fw.Writer,
			ChunkSize:    fw.ChunkSize,
			ChunkTimeout: fw.ChunkTimeout,
			Retries:      fw.Retries,
			Progress:     fw.Progress,
			OnUpdated:    fw.OnUpdated,
		})
		c.Updater = ota.NewUpdater(&ota.UpdaterBuilder{
			Handler:   c.Firmware,
			Requester: c.Attributes,
			Updates:   c.SharedUpdates,
			Publisher: b.Transport,
			Title:     fw.Title,
			Version:   fw.Version,
			Confirm:   fw.Confirm,
		})
		c.mustRegister(c.Firmware)
	}
	return c
}

func (c *Client) mustRegister(capabilities ...Capability) {
	for _, capability := range capabilities {
		if err := c.Register(capability); err != nil {
			panic(err)
		}
	}
}

// Register adds a capability to the dispatcher
func (c *Client) Register(capability Capability) error {
	if c.capabilities.Full() {
		return fmt.Errorf("%w: cannot register %s", ErrCapabilitiesFull, capability.Name())
	}
	c.capabilities.PushBack(capability)
	return nil
}

// Scheduler returns the watchdog scheduler of the client
func (c *Client) Scheduler() *watchdog.Scheduler {
	return c.scheduler
}

// Dispatch routes an inbound message to all matching capabilities and returns how many
// handled it
func (c *Client) Dispatch(topicName string, payload []byte) int {
	var matching []Capability
	c.capabilities.Range(func(_ int, capability Capability) bool {
		if capability.Matches(topicName) {
			matching = append(matching, capability)
		}
		return true
	})
	if len(matching) == 0 {
		c.log.Debugf("no capability for %s", topicName)
	}
	for _, capability := range matching {
		capability.HandleResponse(topicName, payload)
	}
	return len(matching)
}

// Resubscribe re-establishes the subscriptions of all capabilities
func (c *Client) Resubscribe() error {
	var errs []error
	c.capabilities.Range(func(_ int, capability Capability) bool {
		if err := capability.Resubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", capability.Name(), err))
		}
		return true
	})
	return errors.Join(errs...)
}

// loopBatch is the number of inbound messages Loop processes between two
// scheduler updates
const loopBatch = 32

// Loop processes all queued messages and connection events and fires expired
// watchdogs after every batch of messages. It never blocks.
func (c *Client) Loop() {
	for {
		for i := 0; i < loopBatch; i++ {
			select {
			case msg := <-c.transport.Messages():
				c.Dispatch(msg.Topic, msg.Payload)
			case event := <-c.transport.Events():
				c.handleEvent(event)
			default:
				c.scheduler.Update()
				return
			}
		}
		c.scheduler.Update()
	}
}

func (c *Client) handleEvent(event transport.Event) {
	switch event.Type {
	case transport.Connected:
		c.log.Infoln("connected")
		if err := c.Resubscribe(); err != nil {
			c.log.WithError(err).Errorln("cannot resubscribe")
		}
	case transport.ConnectionLost:
		c.log.WithError(event.Error).Warnln("connection lost")
	}
}

// Run calls Loop until ctx is done. Inbound messages are processed as soon as they arrive.
func (c *Client) Run(ctx context.Context) error {
	ctx, log := logger.ContextWithLogger(ctx)
	log.Infoln("device loop started")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infoln("device loop stopped")
			return nil
		case msg := <-c.transport.Messages():
			c.Dispatch(msg.Topic, msg.Payload)
			c.Loop()
		case <-ticker.C:
			c.Loop()
		}
	}
}

// Close drops all subscriptions and cancels pending requests
func (c *Client) Close() {
	if c.Firmware != nil {
		c.Firmware.Stop()
	}
	for _, l := range []interface{ CancelAll() }{c.Attributes, c.RPC, c.Provisioning} {
		l.CancelAll()
	}
	c.capabilities.Range(func(_ int, capability Capability) bool {
		if err := capability.Unsubscribe(); err != nil {
			c.log.WithError(err).Debugf("cannot unsubscribe %s", capability.Name())
		}
		return true
	})
}

// SendTelemetry publishes telemetry. values must marshal to a JSON object or an array of
// {"ts":..., "values":{...}} objects.
func (c *Client) SendTelemetry(values interface{}) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("cannot marshal telemetry: %w", err)
	}
	return c.transport.Publish(topic.Telemetry, payload)
}

// SendAttributes publishes client-side attributes
func (c *Client) SendAttributes(values interface{}) error {
	return attributes.Send(c.transport, values)
}

// Claim allows a user to claim the device with secretKey for duration
func (c *Client) Claim(secretKey string, duration time.Duration) error {
	payload, err := json.Marshal(struct {
		SecretKey  string `json:"secretKey"`
		DurationMs int64  `json:"durationMs"`
	}{secretKey, duration.Milliseconds()})
	if err != nil {
		return err
	}
	return c.transport.Publish(topic.Claim, payload)
}
