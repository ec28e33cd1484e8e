/*
Package ota downloads firmware images chunk by chunk and verifies them

The Handler requests one chunk at a time. The request carries the chunk size, the response
topic echoes the request id and the chunk index:

	publish  v2/fw/request/{id}/chunk/{index}   4096
	receive  v2/fw/response/{id}/chunk/{index}  <bytes>

Accepted chunks are written to a flash.Writer and fed into a checksum.Hasher. Once all
chunks arrived the checksum is compared with the expected one and the image is committed.
Lost chunks, write errors and checksum mismatches are retried according to a RetryPolicy
until the retry budget is exhausted.

The Updater sits on top of the Handler. It reads the firmware shared attributes
(fw_title, fw_version, fw_checksum, fw_checksum_algorithm, fw_size) and starts a download
when they differ from the running firmware.
*/
package ota

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

var (
	// ErrMissingWriter is returned by Start without a storage writer
	ErrMissingWriter = errors.New("storage writer is missing")
	// ErrMissingReporter is returned by Start without a state reporter
	ErrMissingReporter = errors.New("state reporter is missing")
	// ErrMissingCallback is returned by Start without a finish callback
	ErrMissingCallback = errors.New("finish callback is missing")
	// ErrInvalidSize is returned by Start for empty firmware
	ErrInvalidSize = errors.New("invalid firmware size")
	// ErrAborted is reported when a session is stopped or replaced by a new one
	ErrAborted = errors.New("update aborted")
	// ErrRetriesExhausted is reported when the retry budget is used up
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrChecksumMismatch is reported when the downloaded image has the wrong checksum
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// State is the state of the download state machine
type State int

// Handler states
const (
	Idle State = iota
	RequestChunk
	AwaitChunk
	WriteChunk
	Verify
	FlashCommit
	Done
	Failed
)

var stateNames = [...]string{"idle", "request chunk", "await chunk", "write chunk", "verify", "flash commit", "done", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RetryPolicy selects how a failure is recovered
type RetryPolicy int

const (
	// RetryChunk requests the pending chunk again
	RetryChunk RetryPolicy = iota
	// RetryUpdate restarts the download from the first chunk
	RetryUpdate
	// RetryNothing fails the update immediately
	RetryNothing
)

func (p RetryPolicy) String() string {
	switch p {
	case RetryChunk:
		return "retry chunk"
	case RetryUpdate:
		return "retry update"
	default:
		return "retry nothing"
	}
}

// FirmwareState is the firmware state reported to the cloud
type FirmwareState string

// Firmware states in the order of a normal update
const (
	Downloading FirmwareState = "DOWNLOADING"
	Downloaded  FirmwareState = "DOWNLOADED"
	Updating    FirmwareState = "UPDATING"
	Updated     FirmwareState = "UPDATED"
	FailedState FirmwareState = "FAILED"
)

// StateReporter reports firmware states. err is set for FAILED.
type StateReporter interface {
	ReportState(state FirmwareState, err error)
}

// StateReporterFunc adapts a function to a StateReporter
type StateReporterFunc func(state FirmwareState, err error)

// ReportState implements StateReporter
func (f StateReporterFunc) ReportState(state FirmwareState, err error) {
	f(state, err)
}

// TelemetryReporter publishes firmware states as telemetry together with the title and
// version of the running firmware.
type TelemetryReporter struct {
	Publisher transport.Publisher
	Title     string
	Version   string
}

type firmwareTelemetry struct {
	Title   string        `json:"current_fw_title,omitempty"`
	Version string        `json:"current_fw_version,omitempty"`
	State   FirmwareState `json:"fw_state"`
	Error   string        `json:"fw_error,omitempty"`
}

// ReportState implements StateReporter
func (r *TelemetryReporter) ReportState(state FirmwareState, err error) {
	report := firmwareTelemetry{Title: r.Title, Version: r.Version, State: state}
	if err != nil {
		report.Error = err.Error()
	}
	payload, merr := json.Marshal(report)
	if merr != nil {
		return
	}
	if perr := r.Publisher.Publish(topic.Telemetry, payload); perr != nil {
		logOTA.WithError(perr).Warnf("cannot report firmware state %s", state)
	}
}

// TotalChunks returns the number of chunks of an image
func TotalChunks(size uint64, chunkSize uint32) uint32 {
	if chunkSize == 0 {
		return 0
	}
	return uint32((size + uint64(chunkSize) - 1) / uint64(chunkSize))
}
