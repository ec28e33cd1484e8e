package ota

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/ota/checksum"
	"github.com/relabs-tech/tbdevice/iot/ota/flash"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

type countingWriter struct {
	*flash.Memory
	writes int
	resets int
	short  bool
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.short {
		return len(p) - 1, nil
	}
	return w.Memory.Write(p)
}

func (w *countingWriter) Reset() {
	w.resets++
	w.Memory.Reset()
}

type spyHasher struct {
	checksum.Accumulator
	starts  int
	updates int
}

func (s *spyHasher) Start(algorithm checksum.Algorithm) error {
	s.starts++
	return s.Accumulator.Start(algorithm)
}

func (s *spyHasher) Update(p []byte) error {
	s.updates++
	return s.Accumulator.Update(p)
}

type report struct {
	state FirmwareState
	err   error
}

type fixture struct {
	handler   *Handler
	transport *transport.Memory
	clock     *watchdog.ManualClock
	scheduler *watchdog.Scheduler
	writer    *countingWriter
	hasher    *spyHasher
	reports   []report
	progress  [][2]uint32
	updated   int
}

func newFixture(t *testing.T, retries int) *fixture {
	t.Helper()
	f := &fixture{
		transport: transport.NewMemory(),
		clock:     watchdog.NewManualClock(time.Unix(0, 0)),
		writer:    &countingWriter{Memory: flash.NewMemory(64 * 1024)},
		hasher:    &spyHasher{},
	}
	f.scheduler = watchdog.NewPolled(f.clock)
	f.handler = NewHandler(&Builder{
		Transport:    f.transport,
		Scheduler:    f.scheduler,
		Writer:       f.writer,
		Hasher:       f.hasher,
		Reporter:     StateReporterFunc(func(state FirmwareState, err error) { f.reports = append(f.reports, report{state, err}) }),
		ChunkSize:    4096,
		ChunkTimeout: time.Second,
		Retries:      retries,
		Progress:     func(received, total uint32) { f.progress = append(f.progress, [2]uint32{received, total}) },
		OnUpdated:    func() { f.updated++ },
	})
	return f
}

func image(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func sha256Of(t *testing.T, data []byte) string {
	sum, err := checksum.Sum(checksum.SHA256, data)
	require.NoError(t, err)
	return sum
}

// lastRequest returns request id and chunk index of the last chunk request
func (f *fixture) lastRequest(t *testing.T) (uint32, uint32) {
	t.Helper()
	published := f.transport.Published()
	for i := len(published) - 1; i >= 0; i-- {
		if strings.HasPrefix(published[i].Topic, topic.FirmwareRequestPrefix) {
			response := strings.Replace(published[i].Topic, topic.FirmwareRequestPrefix, topic.FirmwareResponsePrefix, 1)
			id, index, err := topic.ParseFirmwareChunk(response)
			require.NoError(t, err)
			return id, index
		}
	}
	t.Fatal("no chunk request published")
	return 0, 0
}

// deliver answers the last chunk request with the matching slice of data
func (f *fixture) deliver(t *testing.T, data []byte) {
	t.Helper()
	id, index := f.lastRequest(t)
	start := int(index) * 4096
	end := start + 4096
	if end > len(data) {
		end = len(data)
	}
	f.handler.HandleResponse(topic.FirmwareChunkResponse(id, index), data[start:end])
}

func (f *fixture) states() []FirmwareState {
	var states []FirmwareState
	for _, r := range f.reports {
		states = append(states, r.state)
	}
	return states
}

func TestTotalChunks(t *testing.T) {
	cases := []struct {
		size  uint64
		chunk uint32
		total uint32
	}{
		{10000, 4096, 3},
		{4096, 4096, 1},
		{4097, 4096, 2},
		{1, 4096, 1},
		{8192, 4096, 2},
		{100, 1, 100},
	}
	for _, c := range cases {
		assert.Equal(t, c.total, TotalChunks(c.size, c.chunk), "%d/%d", c.size, c.chunk)
	}
}

func TestHandler_DownloadsAndVerifies(t *testing.T) {
	f := newFixture(t, 3)
	data := image(10000)

	var finished []bool
	require.NoError(t, f.handler.Start(func(success bool) { finished = append(finished, success) },
		uint64(len(data)), checksum.SHA256, sha256Of(t, data)))
	assert.True(t, f.transport.HasSubscription(topic.FirmwareResponsePattern))
	next, total := f.handler.Progress()
	assert.Equal(t, uint32(0), next)
	assert.Equal(t, uint32(3), total)

	msg, _ := f.transport.Last()
	assert.Equal(t, topic.FirmwareChunkRequest(1, 0), msg.Topic)
	assert.Equal(t, "4096", string(msg.Payload))
	assert.Equal(t, AwaitChunk, f.handler.State())

	for i := 0; i < 3; i++ {
		f.deliver(t, data)
	}

	assert.Equal(t, []bool{true}, finished)
	assert.Equal(t, 3, f.writer.writes)
	assert.Equal(t, data, f.writer.Image())
	assert.Equal(t, [][2]uint32{{1, 3}, {2, 3}, {3, 3}}, f.progress)
	assert.Equal(t, []FirmwareState{Downloading, Downloading, Downloading, Downloaded, Updating}, f.states())
	assert.Equal(t, 1, f.updated)
	assert.Equal(t, Done, f.handler.State())
	assert.False(t, f.handler.Active())
	assert.False(t, f.transport.HasSubscription(topic.FirmwareResponsePattern))

	// late duplicates change nothing
	f.handler.HandleResponse(topic.FirmwareChunkResponse(1, 2), data[8192:])
	assert.Equal(t, []bool{true}, finished)
}

func TestHandler_DiscardsMismatchedIndex(t *testing.T) {
	f := newFixture(t, 3)
	data := image(10000)
	require.NoError(t, f.handler.Start(func(bool) {}, uint64(len(data)), checksum.SHA256, sha256Of(t, data)))
	f.deliver(t, data)
	updates := f.hasher.updates

	f.handler.HandleResponse(topic.FirmwareChunkResponse(1, 0), data[:4096])
	f.handler.HandleResponse(topic.FirmwareChunkResponse(1, 2), data[8192:])
	next, _ := f.handler.Progress()
	assert.Equal(t, uint32(1), next)
	assert.Equal(t, 1, f.writer.writes)
	assert.Equal(t, updates, f.hasher.updates)
	assert.Equal(t, AwaitChunk, f.handler.State())

	// chunks of another request id are ignored as well
	f.handler.HandleResponse(topic.FirmwareChunkResponse(7, 1), data[4096:8192])
	next, _ = f.handler.Progress()
	assert.Equal(t, uint32(1), next)
}

func TestHandler_ChecksumMismatchRestarts(t *testing.T) {
	f := newFixture(t, 3)
	data := image(10000)
	finished := 0
	require.NoError(t, f.handler.Start(func(bool) { finished++ }, uint64(len(data)), checksum.SHA256, "deadbeef"))

	for i := 0; i < 3; i++ {
		f.deliver(t, data)
	}
	require.True(t, f.handler.Active())
	assert.Equal(t, 0, finished)
	next, total := f.handler.Progress()
	assert.Equal(t, uint32(0), next)
	assert.Equal(t, uint32(3), total)
	assert.Equal(t, 2, f.handler.RetriesRemaining())
	assert.Equal(t, 2, f.hasher.starts, "checksum restarted")
	assert.GreaterOrEqual(t, f.writer.resets, 2, "writer reset on start and restart")
	_, index := f.lastRequest(t)
	assert.Equal(t, uint32(0), index)

	// the budget shrinks with every restart until the update fails
	for i := 0; i < 3; i++ {
		f.deliver(t, data)
	}
	assert.Equal(t, 1, f.handler.RetriesRemaining())
	for i := 0; i < 3; i++ {
		f.deliver(t, data)
	}
	assert.Equal(t, 1, finished)
	assert.False(t, f.handler.Active())
	last := f.reports[len(f.reports)-1]
	assert.Equal(t, FailedState, last.state)
	assert.True(t, errors.Is(last.err, ErrRetriesExhausted))
}

func TestHandler_RetriesExhaustedFinishesOnce(t *testing.T) {
	f := newFixture(t, 3)
	data := image(10000)
	var finished []bool
	require.NoError(t, f.handler.Start(func(success bool) { finished = append(finished, success) },
		uint64(len(data)), checksum.SHA256, sha256Of(t, data)))

	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Second)
		f.scheduler.Update()
		_, index := f.lastRequest(t)
		assert.Equal(t, uint32(0), index, "timed out chunk is requested again")
	}
	assert.Equal(t, 1, f.handler.RetriesRemaining())
	f.clock.Advance(time.Second)
	f.scheduler.Update()
	assert.Equal(t, []bool{false}, finished)
	assert.Equal(t, Failed, f.handler.State())

	// nothing revives the session
	f.clock.Advance(10 * time.Second)
	f.scheduler.Update()
	f.handler.HandleResponse(topic.FirmwareChunkResponse(1, 0), data[:4096])
	f.handler.Stop()
	assert.Equal(t, []bool{false}, finished)
	assert.Equal(t, 0, f.writer.writes)
	assert.False(t, f.transport.HasSubscription(topic.FirmwareResponsePattern))
}

func TestHandler_AcceptedChunkResetsRetries(t *testing.T) {
	f := newFixture(t, 3)
	data := image(10000)
	require.NoError(t, f.handler.Start(func(bool) {}, uint64(len(data)), checksum.SHA256, sha256Of(t, data)))
	f.clock.Advance(time.Second)
	f.scheduler.Update()
	assert.Equal(t, 2, f.handler.RetriesRemaining())
	f.deliver(t, data)
	assert.Equal(t, 3, f.handler.RetriesRemaining())
}

func TestHandler_WrongChunkLengthRetriesChunk(t *testing.T) {
	f := newFixture(t, 3)
	data := image(10000)
	require.NoError(t, f.handler.Start(func(bool) {}, uint64(len(data)), checksum.SHA256, sha256Of(t, data)))

	f.handler.HandleResponse(topic.FirmwareChunkResponse(1, 0), data[:100])
	assert.Equal(t, 0, f.writer.writes)
	assert.Equal(t, 2, f.handler.RetriesRemaining())
	_, index := f.lastRequest(t)
	assert.Equal(t, uint32(0), index)

	f.deliver(t, data)
	f.deliver(t, data)
	// final chunk must be exactly the remainder
	f.handler.HandleResponse(topic.FirmwareChunkResponse(1, 2), data[8192:9000])
	next, _ := f.handler.Progress()
	assert.Equal(t, uint32(2), next)
	assert.Equal(t, 2, f.writer.writes)
}

func TestHandler_ShortWriteRestarts(t *testing.T) {
	f := newFixture(t, 3)
	data := image(10000)
	require.NoError(t, f.handler.Start(func(bool) {}, uint64(len(data)), checksum.SHA256, sha256Of(t, data)))
	f.deliver(t, data)
	f.writer.short = true
	f.deliver(t, data)
	next, _ := f.handler.Progress()
	assert.Equal(t, uint32(0), next)
	assert.Equal(t, 2, f.handler.RetriesRemaining())
	assert.Equal(t, 2, f.hasher.starts)
}

func TestHandler_StartAbortsActiveSession(t *testing.T) {
	f := newFixture(t, 3)
	first, second := image(10000), image(5000)
	var firstResult, secondResult []bool
	require.NoError(t, f.handler.Start(func(success bool) { firstResult = append(firstResult, success) },
		uint64(len(first)), checksum.SHA256, sha256Of(t, first)))
	f.deliver(t, first)

	require.NoError(t, f.handler.Start(func(success bool) { secondResult = append(secondResult, success) },
		uint64(len(second)), checksum.SHA256, sha256Of(t, second)))
	assert.Equal(t, []bool{false}, firstResult)
	last := f.reports[len(f.reports)-2]
	assert.Equal(t, FailedState, last.state)
	assert.True(t, errors.Is(last.err, ErrAborted))

	id, index := f.lastRequest(t)
	assert.Equal(t, uint32(2), id)
	assert.Equal(t, uint32(0), index)
	assert.True(t, f.transport.HasSubscription(topic.FirmwareResponsePattern))

	// a late chunk of the first session is ignored
	f.handler.HandleResponse(topic.FirmwareChunkResponse(1, 1), first[4096:8192])
	f.deliver(t, second)
	f.deliver(t, second)
	assert.Equal(t, []bool{false}, firstResult)
	assert.Equal(t, []bool{true}, secondResult)
	assert.Equal(t, second, f.writer.Image())
}

func TestHandler_StartAbortsSessionStartedByFinishCallback(t *testing.T) {
	f := newFixture(t, 3)
	first, retry, second := image(10000), image(8000), image(5000)
	var firstResult, retryResult, secondResult []bool
	require.NoError(t, f.handler.Start(func(success bool) {
		firstResult = append(firstResult, success)
		if !success {
			require.NoError(t, f.handler.Start(func(success bool) { retryResult = append(retryResult, success) },
				uint64(len(retry)), checksum.SHA256, sha256Of(t, retry)))
		}
	}, uint64(len(first)), checksum.SHA256, sha256Of(t, first)))

	require.NoError(t, f.handler.Start(func(success bool) { secondResult = append(secondResult, success) },
		uint64(len(second)), checksum.SHA256, sha256Of(t, second)))
	assert.Equal(t, []bool{false}, firstResult)
	assert.Equal(t, []bool{false}, retryResult)

	f.deliver(t, second)
	f.deliver(t, second)
	assert.Equal(t, []bool{false}, firstResult)
	assert.Equal(t, []bool{false}, retryResult)
	assert.Equal(t, []bool{true}, secondResult)
	assert.Equal(t, second, f.writer.Image())
}

func TestHandler_Stop(t *testing.T) {
	f := newFixture(t, 3)
	data := image(10000)
	var finished []bool
	require.NoError(t, f.handler.Start(func(success bool) { finished = append(finished, success) },
		uint64(len(data)), checksum.SHA256, sha256Of(t, data)))
	f.deliver(t, data)
	f.handler.Stop()
	f.handler.Stop()
	assert.Equal(t, []bool{false}, finished)
	last := f.reports[len(f.reports)-1]
	assert.Equal(t, FailedState, last.state)
	assert.True(t, errors.Is(last.err, ErrAborted))

	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.scheduler.Update(), "chunk watchdog is cancelled")
}

func TestHandler_StartValidation(t *testing.T) {
	scheduler := watchdog.NewPolled(nil)
	tr := transport.NewMemory()
	reporter := StateReporterFunc(func(FirmwareState, error) {})

	noWriter := NewHandler(&Builder{Transport: tr, Scheduler: scheduler, Reporter: reporter})
	assert.True(t, errors.Is(noWriter.Start(func(bool) {}, 10, checksum.MD5, ""), ErrMissingWriter))

	noReporter := NewHandler(&Builder{Transport: tr, Scheduler: scheduler, Writer: flash.NewMemory(10)})
	assert.True(t, errors.Is(noReporter.Start(func(bool) {}, 10, checksum.MD5, ""), ErrMissingReporter))

	h := NewHandler(&Builder{Transport: tr, Scheduler: scheduler, Writer: flash.NewMemory(10), Reporter: reporter})
	assert.True(t, errors.Is(h.Start(nil, 10, checksum.MD5, ""), ErrMissingCallback))
	assert.True(t, errors.Is(h.Start(func(bool) {}, 0, checksum.MD5, ""), ErrInvalidSize))
	assert.True(t, errors.Is(h.Start(func(bool) {}, 10, "SHA1", ""), checksum.ErrUnknownAlgorithm))
	assert.False(t, h.Active())
	assert.Empty(t, tr.Published())
}

func TestHandler_Resubscribe(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.handler.Resubscribe())
	assert.False(t, f.transport.HasSubscription(topic.FirmwareResponsePattern))

	data := image(100)
	require.NoError(t, f.handler.Start(func(bool) {}, uint64(len(data)), checksum.MD5, ""))
	f.transport.Disconnect(nil)
	f.transport.Reconnect()
	require.NoError(t, f.handler.Resubscribe())
	assert.True(t, f.transport.HasSubscription(topic.FirmwareResponsePattern))
	assert.True(t, f.handler.Matches(topic.FirmwareChunkResponse(1, 0)))
	assert.False(t, f.handler.Matches(topic.FirmwareChunkRequest(1, 0)))
}
