/*
Package topic contains the MQTT topic table of the device protocol

Request and response topics of correlated capabilities end with a decimal
correlation id:

	v1/devices/me/attributes/request/{id}    v1/devices/me/attributes/response/{id}
	v1/devices/me/rpc/request/{id}           v1/devices/me/rpc/response/{id}
	v2/fw/request/{id}/chunk/{index}         v2/fw/response/{id}/chunk/{index}

Server-side RPC requests arrive on v1/devices/me/rpc/request/{id}, the device replies on
v1/devices/me/rpc/response/{id}. Provisioning uses the fixed topics /provision/request and
/provision/response.
*/
package topic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Topics of the device protocol
const (
	Telemetry  = "v1/devices/me/telemetry"
	Attributes = "v1/devices/me/attributes"
	Claim      = "v1/devices/me/claim"

	AttributeRequestPrefix   = "v1/devices/me/attributes/request/"
	AttributeResponsePrefix  = "v1/devices/me/attributes/response/"
	AttributeResponsePattern = AttributeResponsePrefix + "+"

	RPCRequestPrefix   = "v1/devices/me/rpc/request/"
	RPCResponsePrefix  = "v1/devices/me/rpc/response/"
	RPCRequestPattern  = RPCRequestPrefix + "+"
	RPCResponsePattern = RPCResponsePrefix + "+"

	ProvisionRequest  = "/provision/request"
	ProvisionResponse = "/provision/response"

	FirmwareRequestPrefix   = "v2/fw/request/"
	FirmwareResponsePrefix  = "v2/fw/response/"
	FirmwareResponsePattern = FirmwareResponsePrefix + "#"
	firmwareChunkSegment    = "/chunk/"
)

// ErrInvalidID is returned when a topic does not end with a decimal id
var ErrInvalidID = errors.New("invalid id in topic")

// WithID returns prefix followed by the decimal id
func WithID(prefix string, id uint32) string {
	return prefix + strconv.FormatUint(uint64(id), 10)
}

// ParseID parses the decimal id that immediately follows prefix in topic
func ParseID(topic, prefix string) (uint32, error) {
	if !strings.HasPrefix(topic, prefix) {
		return 0, fmt.Errorf("%w: '%s' does not start with '%s'", ErrInvalidID, topic, prefix)
	}
	suffix := topic[len(prefix):]
	id, err := strconv.ParseUint(suffix, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: '%s'", ErrInvalidID, topic)
	}
	return uint32(id), nil
}

// FirmwareChunkRequest returns the topic to request chunk index of firmware request id
func FirmwareChunkRequest(id, index uint32) string {
	return WithID(FirmwareRequestPrefix, id) + firmwareChunkSegment + strconv.FormatUint(uint64(index), 10)
}

// FirmwareChunkResponse returns the topic on which chunk index of firmware request id arrives
func FirmwareChunkResponse(id, index uint32) string {
	return WithID(FirmwareResponsePrefix, id) + firmwareChunkSegment + strconv.FormatUint(uint64(index), 10)
}

// ParseFirmwareChunk parses the request id and chunk index of a firmware response topic
func ParseFirmwareChunk(topic string) (id, index uint32, err error) {
	if !strings.HasPrefix(topic, FirmwareResponsePrefix) {
		return 0, 0, fmt.Errorf("%w: '%s' is not a firmware response", ErrInvalidID, topic)
	}
	rest := topic[len(FirmwareResponsePrefix):]
	idPart, indexPart, found := strings.Cut(rest, firmwareChunkSegment)
	if !found {
		return 0, 0, fmt.Errorf("%w: '%s' has no chunk index", ErrInvalidID, topic)
	}
	id64, err := strconv.ParseUint(idPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: '%s'", ErrInvalidID, topic)
	}
	index64, err := strconv.ParseUint(indexPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: '%s'", ErrInvalidID, topic)
	}
	return uint32(id64), uint32(index64), nil
}

// Match reports whether topic matches the MQTT topic filter. The filter may contain
// the single level wildcard + and a trailing multi level wildcard #.
func Match(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")
	for i, level := range filterLevels {
		if level == "#" {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
