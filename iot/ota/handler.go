package ota

import (
	"fmt"
	"strconv"
	"time"

	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/ota/checksum"
	"github.com/relabs-tech/tbdevice/iot/ota/flash"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

var logOTA = logger.ForComponent("ota")

// FinishCallback is called exactly once per session
type FinishCallback func(success bool)

// ProgressCallback is called after every accepted chunk
type ProgressCallback func(received, total uint32)

// Builder is a builder helper for the Handler
type Builder struct {
	// Transport is mandatory
	Transport transport.PubSub
	// Scheduler creates the chunk watchdog. This is mandatory.
	Scheduler *watchdog.Scheduler
	// Writer stores the image
	Writer flash.Writer
	// Hasher verifies the image. Default is a checksum.Accumulator.
	Hasher checksum.Hasher
	// Reporter receives firmware states. It can be replaced with SetReporter.
	Reporter StateReporter
	// ChunkSize is the requested chunk size in bytes. Default is 4096.
	ChunkSize uint32
	// ChunkTimeout is the deadline of a chunk request. Default is 5 seconds.
	ChunkTimeout time.Duration
	// Retries is the retry budget of an update. Default is 5.
	Retries int
	// Progress is called after every accepted chunk
	Progress ProgressCallback
	// OnUpdated is called after a successful update, typically to restart the device
	OnUpdated func()
}

type session struct {
	size      uint64
	total     uint32
	next      uint32
	ceiling   int
	retries   int
	expected  string
	algorithm checksum.Algorithm
	requestID uint32
	finish    FinishCallback
}

// Handler runs firmware downloads. Only one session is active at a time.
type Handler struct {
	transport    transport.PubSub
	writer       flash.Writer
	hasher       checksum.Hasher
	reporter     StateReporter
	chunkSize    uint32
	chunkTimeout time.Duration
	maxRetries   int
	progress     ProgressCallback
	onUpdated    func()

	chunkWatchdog *watchdog.Watchdog
	state         State
	session       *session
	lastRequestID uint32
	subscribed    bool
}

// NewHandler returns a new firmware download handler
func NewHandler(b *Builder) *Handler {
	if b.Transport == nil {
		panic("Transport is missing")
	}
	if b.Scheduler == nil {
		panic("Scheduler is missing")
	}
	h := &Handler{
		transport:    b.Transport,
		writer:       b.Writer,
		hasher:       b.Hasher,
		reporter:     b.Reporter,
		chunkSize:    b.ChunkSize,
		chunkTimeout: b.ChunkTimeout,
		maxRetries:   b.Retries,
		progress:     b.Progress,
		onUpdated:    b.OnUpdated,
	}
	if h.hasher == nil {
		h.hasher = &checksum.Accumulator{}
	}
	if h.chunkSize == 0 {
		h.chunkSize = 4096
	}
	if h.chunkTimeout == 0 {
		h.chunkTimeout = 5 * time.Second
	}
	if h.maxRetries <= 0 {
		h.maxRetries = 5
	}
	h.chunkWatchdog = b.Scheduler.New(h.onChunkTimeout)
	return h
}

// SetReporter replaces the state reporter. It applies to the next report.
func (h *Handler) SetReporter(reporter StateReporter) {
	h.reporter = reporter
}

// State returns the state of the state machine
func (h *Handler) State() State {
	return h.state
}

// Active returns true while a session is running
func (h *Handler) Active() bool {
	return h.session != nil
}

// Progress returns the next chunk index and the number of chunks of the active session
func (h *Handler) Progress() (next, total uint32) {
	if h.session == nil {
		return 0, 0
	}
	return h.session.next, h.session.total
}

// RetriesRemaining returns the retry budget of the active session
func (h *Handler) RetriesRemaining() int {
	if h.session == nil {
		return 0
	}
	return h.session.retries
}

// Start begins downloading an image of size bytes whose checksum with algorithm must be
// expected. An active session is aborted first, its finish callback receives false.
// finish is called exactly once when the new session ends.
func (h *Handler) Start(finish FinishCallback, size uint64, algorithm checksum.Algorithm, expected string) error {
	switch {
	case h.writer == nil:
		return ErrMissingWriter
	case h.reporter == nil:
		return ErrMissingReporter
	case finish == nil:
		return ErrMissingCallback
	case size == 0:
		return ErrInvalidSize
	}
	// a finish callback may start another session, which is aborted as well
	for h.session != nil {
		logOTA.Warnln("aborting the active update for a new one")
		h.fail(ErrAborted)
	}
	if err := h.hasher.Start(algorithm); err != nil {
		return fmt.Errorf("cannot start checksum: %w", err)
	}
	if !h.subscribed {
		if err := h.transport.Subscribe(topic.FirmwareResponsePattern); err != nil {
			return fmt.Errorf("cannot subscribe to firmware chunks: %w", err)
		}
		h.subscribed = true
	}

	h.lastRequestID++
	h.session = &session{
		size:      size,
		total:     TotalChunks(size, h.chunkSize),
		ceiling:   h.maxRetries,
		retries:   h.maxRetries,
		expected:  expected,
		algorithm: algorithm,
		requestID: h.lastRequestID,
		finish:    finish,
	}
	h.writer.Reset()
	logOTA.Infof("downloading %d bytes in %d chunks", size, h.session.total)
	h.requestNextChunk()
	return nil
}

// Stop aborts the active session
func (h *Handler) Stop() {
	if h.session == nil {
		return
	}
	h.chunkWatchdog.Cancel()
	h.writer.Reset()
	h.handleFailure(RetryNothing, ErrAborted)
}

func (h *Handler) requestNextChunk() {
	s := h.session
	if s.next >= s.total {
		h.verify()
		return
	}
	h.state = RequestChunk
	request := topic.FirmwareChunkRequest(s.requestID, s.next)
	if err := h.transport.Publish(request, []byte(strconv.FormatUint(uint64(h.chunkSize), 10))); err != nil {
		// the chunk watchdog recovers from a lost request
		logOTA.WithError(err).Warnf("cannot request chunk %d", s.next)
	}
	h.report(Downloading, nil)
	h.state = AwaitChunk
	h.chunkWatchdog.Arm(h.chunkTimeout)
}

// expectedLength returns the length of chunk index
func (h *Handler) expectedLength(index uint32) uint64 {
	offset := uint64(index) * uint64(h.chunkSize)
	if remaining := h.session.size - offset; remaining < uint64(h.chunkSize) {
		return remaining
	}
	return uint64(h.chunkSize)
}

// HandleChunk processes a received chunk. Chunks with another index than the requested
// one are discarded.
func (h *Handler) HandleChunk(index uint32, data []byte) {
	s := h.session
	if s == nil || h.state != AwaitChunk {
		logOTA.Debugf("ignoring chunk %d without active download", index)
		return
	}
	if index != s.next {
		logOTA.Debugf("discarding chunk %d while waiting for %d", index, s.next)
		return
	}
	h.chunkWatchdog.Cancel()

	if uint64(len(data)) != h.expectedLength(index) {
		logOTA.Warnf("chunk %d has %d bytes instead of %d", index, len(data), h.expectedLength(index))
		h.handleFailure(RetryChunk, nil)
		return
	}

	h.state = WriteChunk
	if index == 0 {
		if err := h.writer.Begin(s.size); err != nil {
			h.handleFailure(RetryUpdate, fmt.Errorf("cannot begin image: %w", err))
			return
		}
	}
	if n, err := h.writer.Write(data); err != nil || n != len(data) {
		h.handleFailure(RetryUpdate, fmt.Errorf("short write of chunk %d (%d of %d bytes): %v", index, n, len(data), err))
		return
	}
	if err := h.hasher.Update(data); err != nil {
		h.handleFailure(RetryUpdate, fmt.Errorf("cannot update checksum: %w", err))
		return
	}

	s.next++
	s.retries = s.ceiling
	if h.progress != nil {
		h.progress(s.next, s.total)
	}
	h.requestNextChunk()
}

func (h *Handler) verify() {
	s := h.session
	h.state = Verify
	h.report(Downloaded, nil)

	actual := h.hasher.Finish()
	if actual != s.expected {
		logOTA.Warnf("%s checksum is %s, expected %s", s.algorithm, actual, s.expected)
		h.handleFailure(RetryUpdate, ErrChecksumMismatch)
		return
	}

	h.state = FlashCommit
	if err := h.writer.End(); err != nil {
		h.handleFailure(RetryUpdate, fmt.Errorf("cannot commit image: %w", err))
		return
	}

	h.report(Updating, nil)
	logOTA.Infof("firmware of %d bytes verified and stored", s.size)
	h.finish(Done, true)
	if h.onUpdated != nil {
		h.onUpdated()
	}
}

// handleFailure consumes one retry and recovers according to policy. The session
// fails when the budget is used up or policy is RetryNothing.
func (h *Handler) handleFailure(policy RetryPolicy, cause error) {
	s := h.session
	if s == nil {
		return
	}
	if cause != nil {
		logOTA.WithError(cause).Warnf("update failure, %s", policy)
	}
	if policy == RetryNothing {
		h.fail(cause)
		return
	}

	s.retries--
	if policy == RetryUpdate {
		s.ceiling--
	}
	if s.retries <= 0 {
		if cause == nil {
			cause = ErrRetriesExhausted
		} else {
			cause = fmt.Errorf("%w: %v", ErrRetriesExhausted, cause)
		}
		h.fail(cause)
		return
	}

	switch policy {
	case RetryChunk:
		h.requestNextChunk()
	case RetryUpdate:
		h.writer.Reset()
		if err := h.hasher.Start(s.algorithm); err != nil {
			h.fail(fmt.Errorf("cannot restart checksum: %w", err))
			return
		}
		s.next = 0
		h.requestNextChunk()
	}
}

// fail ends the active session unsuccessfully
func (h *Handler) fail(cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	h.chunkWatchdog.Cancel()
	h.writer.Reset()
	h.report(FailedState, cause)
	h.finish(Failed, false)
}

// finish ends the session and calls its callback
func (h *Handler) finish(state State, success bool) {
	s := h.session
	h.session = nil
	h.state = state
	if err := h.Unsubscribe(); err != nil {
		logOTA.WithError(err).Warnln("cannot unsubscribe from firmware chunks")
	}
	s.finish(success)
}

func (h *Handler) onChunkTimeout() {
	if h.session == nil {
		return
	}
	logOTA.Warnf("chunk %d timed out", h.session.next)
	h.handleFailure(RetryChunk, nil)
}

func (h *Handler) report(state FirmwareState, err error) {
	if h.reporter != nil {
		h.reporter.ReportState(state, err)
	}
}

// Name implements the capability contract
func (h *Handler) Name() string {
	return "firmware download"
}

// Matches implements the capability contract
func (h *Handler) Matches(topicName string) bool {
	return topic.Match(topic.FirmwareResponsePattern, topicName)
}

// HandleResponse implements the capability contract. Chunks of other sessions are ignored.
func (h *Handler) HandleResponse(topicName string, payload []byte) {
	id, index, err := topic.ParseFirmwareChunk(topicName)
	if err != nil {
		logOTA.WithError(err).Warnln("ignoring firmware response")
		return
	}
	if h.session == nil || id != h.session.requestID {
		logOTA.Debugf("ignoring chunk %d of request %d", index, id)
		return
	}
	h.HandleChunk(index, payload)
}

// Resubscribe implements the capability contract
func (h *Handler) Resubscribe() error {
	if !h.subscribed {
		return nil
	}
	return h.transport.Subscribe(topic.FirmwareResponsePattern)
}

// Unsubscribe implements the capability contract
func (h *Handler) Unsubscribe() error {
	if !h.subscribed {
		return nil
	}
	h.subscribed = false
	return h.transport.Unsubscribe(topic.FirmwareResponsePattern)
}
