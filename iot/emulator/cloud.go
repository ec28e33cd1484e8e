/*
Package emulator is a cloud emulator for local end-to-end runs of the device client

Cloud holds the state of a single emulated device and answers every device publish with
the messages the real cloud would send back. Broker runs Cloud inside an MQTT broker, the
admin API stages firmware, sets shared attributes and calls methods on the device.
*/
package emulator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/iot/ota"
	"github.com/relabs-tech/tbdevice/iot/ota/checksum"
	"github.com/relabs-tech/tbdevice/iot/provision"
	"github.com/relabs-tech/tbdevice/iot/rpc"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

var (
	// ErrInvalidFirmware is returned by SetFirmware for incomplete firmware
	ErrInvalidFirmware = errors.New("firmware title, version and image are mandatory")
	// ErrMissingMethod is returned by Call without method name
	ErrMissingMethod = errors.New("method is missing")
	// ErrNotAnObject is returned by SetShared for values that are not a JSON object
	ErrNotAnObject = errors.New("shared attributes must be a JSON object")
)

// Telemetry is a telemetry message received from the device
type Telemetry struct {
	ReceivedAt time.Time       `json:"received_at"`
	Values     json.RawMessage `json:"values"`
}

// Claim is a claiming request received from the device
type Claim struct {
	SecretKey  string `json:"secretKey"`
	DurationMs int64  `json:"durationMs"`
}

// Call is a server-side RPC call and, once the device answered, its result
type Call struct {
	ID       uint32          `json:"id"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params"`
	Response json.RawMessage `json:"response,omitempty"`
}

// CloudBuilder is a builder helper for the Cloud
type CloudBuilder struct {
	// ProvisionDeviceKey and ProvisionDeviceSecret are the provisioning credentials the
	// cloud accepts. Provisioning is rejected when they are empty.
	ProvisionDeviceKey    string
	ProvisionDeviceSecret string
	// Now returns the cloud time. Default is time.Now.
	Now func() time.Time
}

// Cloud is the emulated cloud side of the device protocol. It is safe for concurrent use.
type Cloud struct {
	mutex sync.Mutex

	provisionKey    string
	provisionSecret string
	now             func() time.Time

	shared     map[string]json.RawMessage
	client     map[string]json.RawMessage
	telemetry  []Telemetry
	claims     []Claim
	provisions []provision.Response
	firmware   []byte
	methods    map[string]rpc.Handler
	calls      []*Call
	lastCallID uint32

	log *logrus.Entry
}

// NewCloud returns a new cloud with the getCurrentTime client-side method
func NewCloud(b *CloudBuilder) *Cloud {
	now := b.Now
	if now == nil {
		now = time.Now
	}
	c := &Cloud{
		provisionKey:    b.ProvisionDeviceKey,
		provisionSecret: b.ProvisionDeviceSecret,
		now:             now,
		shared:          map[string]json.RawMessage{},
		client:          map[string]json.RawMessage{},
		methods:         map[string]rpc.Handler{},
		log:             logger.ForComponent("emulator"),
	}
	c.methods["getCurrentTime"] = func(json.RawMessage) (interface{}, error) {
		return map[string]int64{"time": c.now().UnixMilli()}, nil
	}
	return c
}

// HandleMethod registers a client-side RPC method
func (c *Cloud) HandleMethod(name string, handler rpc.Handler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.methods[name] = handler
}

// Handle processes a message published by the device and returns the messages to
// deliver back to it
func (c *Cloud) Handle(topicName string, payload []byte) []transport.Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch {
	case topicName == topic.Telemetry:
		c.storeTelemetry(payload)
	case topicName == topic.Attributes:
		c.storeClientAttributes(payload)
	case topicName == topic.Claim:
		c.storeClaim(payload)
	case topicName == topic.ProvisionRequest:
		return c.provision(payload)
	case strings.HasPrefix(topicName, topic.AttributeRequestPrefix):
		return c.answerAttributes(topicName, payload)
	case strings.HasPrefix(topicName, topic.RPCRequestPrefix):
		return c.answerMethod(topicName, payload)
	case strings.HasPrefix(topicName, topic.RPCResponsePrefix):
		c.storeCallResponse(topicName, payload)
	case strings.HasPrefix(topicName, topic.FirmwareRequestPrefix):
		return c.answerChunk(topicName, payload)
	default:
		c.log.Debugf("ignoring publish on %s", topicName)
	}
	return nil
}

func (c *Cloud) storeTelemetry(payload []byte) {
	if !json.Valid(payload) {
		c.log.Warnln("ignoring invalid telemetry")
		return
	}
	c.telemetry = append(c.telemetry, Telemetry{ReceivedAt: c.now(), Values: append(json.RawMessage(nil), payload...)})
}

func (c *Cloud) storeClientAttributes(payload []byte) {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil {
		c.log.WithError(err).Warnln("ignoring invalid client attributes")
		return
	}
	for key, value := range values {
		c.client[key] = value
	}
}

func (c *Cloud) storeClaim(payload []byte) {
	var claim Claim
	if err := json.Unmarshal(payload, &claim); err != nil {
		c.log.WithError(err).Warnln("ignoring invalid claim")
		return
	}
	c.claims = append(c.claims, claim)
}

func (c *Cloud) answerAttributes(topicName string, payload []byte) []transport.Message {
	id, err := topic.ParseID(topicName, topic.AttributeRequestPrefix)
	if err != nil {
		c.log.WithError(err).Warnln("ignoring attribute request")
		return nil
	}
	var request struct {
		ClientKeys string `json:"clientKeys"`
		SharedKeys string `json:"sharedKeys"`
	}
	if err := json.Unmarshal(payload, &request); err != nil {
		c.log.WithError(err).Warnln("ignoring invalid attribute request")
		return nil
	}
	response := map[string]map[string]json.RawMessage{}
	if len(request.ClientKeys) > 0 {
		response["client"] = pick(c.client, request.ClientKeys)
	}
	if len(request.SharedKeys) > 0 {
		response["shared"] = pick(c.shared, request.SharedKeys)
	}
	return reply(topic.WithID(topic.AttributeResponsePrefix, id), response)
}

// pick returns the values of the comma separated keys that exist in values
func pick(values map[string]json.RawMessage, keys string) map[string]json.RawMessage {
	picked := map[string]json.RawMessage{}
	for _, key := range strings.Split(keys, ",") {
		if value, ok := values[strings.TrimSpace(key)]; ok {
			picked[strings.TrimSpace(key)] = value
		}
	}
	return picked
}

func (c *Cloud) answerMethod(topicName string, payload []byte) []transport.Message {
	id, err := topic.ParseID(topicName, topic.RPCRequestPrefix)
	if err != nil {
		c.log.WithError(err).Warnln("ignoring rpc request")
		return nil
	}
	var request rpc.Request
	if err := json.Unmarshal(payload, &request); err != nil {
		c.log.WithError(err).Warnln("ignoring invalid rpc request")
		return nil
	}
	responseTopic := topic.WithID(topic.RPCResponsePrefix, id)
	handler, ok := c.methods[request.Method]
	if !ok {
		return reply(responseTopic, map[string]string{"error": fmt.Sprintf("%s: %s", rpc.ErrUnknownMethod, request.Method)})
	}
	result, err := handler(request.Params)
	if err != nil {
		return reply(responseTopic, map[string]string{"error": err.Error()})
	}
	if result == nil {
		return nil
	}
	return reply(responseTopic, result)
}

func (c *Cloud) storeCallResponse(topicName string, payload []byte) {
	id, err := topic.ParseID(topicName, topic.RPCResponsePrefix)
	if err != nil {
		c.log.WithError(err).Warnln("ignoring rpc response")
		return
	}
	for _, call := range c.calls {
		if call.ID == id {
			call.Response = append(json.RawMessage(nil), payload...)
			return
		}
	}
	c.log.Debugf("ignoring response to unknown call %d", id)
}

func (c *Cloud) provision(payload []byte) []transport.Message {
	var request struct {
		DeviceName            string `json:"deviceName"`
		ProvisionDeviceKey    string `json:"provisionDeviceKey"`
		ProvisionDeviceSecret string `json:"provisionDeviceSecret"`
		CredentialsType       string `json:"credentialsType"`
		Token                 string `json:"token"`
		ClientID              string `json:"clientId"`
		Username              string `json:"username"`
		Password              string `json:"password"`
		Hash                  string `json:"hash"`
	}
	if err := json.Unmarshal(payload, &request); err != nil {
		c.log.WithError(err).Warnln("ignoring invalid provisioning request")
		return nil
	}

	response := provision.Response{Status: "NOT_FOUND", ErrorMsg: "Failed to provision device!"}
	if len(c.provisionKey) > 0 && request.ProvisionDeviceKey == c.provisionKey &&
		request.ProvisionDeviceSecret == c.provisionSecret {
		var value interface{}
		credentialsType := provision.CredentialsType(request.CredentialsType)
		switch credentialsType {
		case provision.MQTTBasic:
			value = provision.BasicCredentials{ClientID: request.ClientID, Username: request.Username, Password: request.Password}
		case provision.X509:
			value = request.Hash
		case provision.AccessToken:
			value = request.Token
		default:
			credentialsType = provision.AccessToken
			value = strings.ReplaceAll(uuid.New().String(), "-", "")
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			c.log.WithError(err).Errorln("cannot encode credentials")
			return nil
		}
		response = provision.Response{Status: "SUCCESS", CredentialsType: credentialsType, CredentialsValue: encoded}
		c.log.Infof("provisioned device %s with %s", request.DeviceName, credentialsType)
	} else {
		c.log.Warnf("rejected provisioning of device %s", request.DeviceName)
	}
	c.provisions = append(c.provisions, response)
	return reply(topic.ProvisionResponse, response)
}

func (c *Cloud) answerChunk(topicName string, payload []byte) []transport.Message {
	responseTopic := topic.FirmwareResponsePrefix + strings.TrimPrefix(topicName, topic.FirmwareRequestPrefix)
	id, index, err := topic.ParseFirmwareChunk(responseTopic)
	if err != nil {
		c.log.WithError(err).Warnln("ignoring firmware request")
		return nil
	}
	size, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil || size <= 0 {
		size = len(c.firmware)
	}
	start := int(index) * size
	if size == 0 || start >= len(c.firmware) {
		c.log.Debugf("firmware request %d asks for chunk %d beyond the image", id, index)
		return []transport.Message{{Topic: responseTopic, Payload: []byte{}}}
	}
	end := start + size
	if end > len(c.firmware) {
		end = len(c.firmware)
	}
	return []transport.Message{{Topic: responseTopic, Payload: append([]byte(nil), c.firmware[start:end]...)}}
}

// SetFirmware stages image as the firmware assigned to the device and returns the shared
// attribute push announcing it
func (c *Cloud) SetFirmware(title, version string, algorithm checksum.Algorithm, image []byte) ([]transport.Message, error) {
	if len(title) == 0 || len(version) == 0 {
		return nil, ErrInvalidFirmware
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: image is empty", ErrInvalidFirmware)
	}
	if algorithm == "" {
		algorithm = checksum.SHA256
	}
	sum, err := checksum.Sum(algorithm, image)
	if err != nil {
		return nil, err
	}
	attributes := map[string]interface{}{
		ota.KeyTitle:     title,
		ota.KeyVersion:   version,
		ota.KeyChecksum:  sum,
		ota.KeyAlgorithm: algorithm,
		ota.KeySize:      len(image),
	}

	c.mutex.Lock()
	c.firmware = append([]byte(nil), image...)
	c.mutex.Unlock()
	c.log.Infof("staged firmware %s %s (%d bytes, %s %s)", title, version, len(image), algorithm, sum)
	return c.SetShared(attributes)
}

// SetShared merges values into the shared attributes and returns the push notifying the
// device. values must marshal to a JSON object.
func (c *Cloud) SetShared(values interface{}) ([]transport.Message, error) {
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal shared attributes: %w", err)
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil || object == nil {
		return nil, ErrNotAnObject
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for key, value := range object {
		c.shared[key] = value
	}
	return []transport.Message{{Topic: topic.Attributes, Payload: payload}}, nil
}

// Call creates a server-side RPC call and returns it together with the request to
// deliver to the device
func (c *Cloud) Call(method string, params json.RawMessage) (Call, []transport.Message, error) {
	if len(method) == 0 {
		return Call{}, nil, ErrMissingMethod
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	payload, err := json.Marshal(rpc.Request{Method: method, Params: params})
	if err != nil {
		return Call{}, nil, fmt.Errorf("cannot marshal rpc request: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastCallID++
	call := &Call{ID: c.lastCallID, Method: method, Params: params}
	c.calls = append(c.calls, call)
	return *call, []transport.Message{{Topic: topic.WithID(topic.RPCRequestPrefix, call.ID), Payload: payload}}, nil
}

// CallResult returns the call with id. The second return value is false for unknown ids.
func (c *Cloud) CallResult(id uint32) (Call, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, call := range c.calls {
		if call.ID == id {
			return *call, true
		}
	}
	return Call{}, false
}

// Telemetry returns all telemetry received so far
func (c *Cloud) Telemetry() []Telemetry {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Telemetry(nil), c.telemetry...)
}

// ClientAttributes returns the client-side attributes reported by the device
func (c *Cloud) ClientAttributes() map[string]json.RawMessage {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return copyValues(c.client)
}

// SharedAttributes returns the shared attributes
func (c *Cloud) SharedAttributes() map[string]json.RawMessage {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return copyValues(c.shared)
}

// Claims returns all claiming requests
func (c *Cloud) Claims() []Claim {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Claim(nil), c.claims...)
}

// Provisions returns all provisioning responses sent so far
func (c *Cloud) Provisions() []provision.Response {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]provision.Response(nil), c.provisions...)
}

func copyValues(values map[string]json.RawMessage) map[string]json.RawMessage {
	result := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		result[key] = value
	}
	return result
}

func reply(topicName string, body interface{}) []transport.Message {
	payload, err := json.Marshal(body)
	if err != nil {
		logger.Default().WithError(err).Errorf("cannot marshal reply on %s", topicName)
		return nil
	}
	return []transport.Message{{Topic: topicName, Payload: payload}}
}
