package flash

import (
	"fmt"

	"github.com/relabs-tech/tbdevice/core/container"
)

// Memory is a Writer into a bounded RAM buffer.
type Memory struct {
	progress
	buffer container.Container[byte]
	image  []byte
}

// NewMemory returns a Memory writer that accepts images of up to limit bytes
func NewMemory(limit int) *Memory {
	return &Memory{buffer: container.NewFixed[byte](limit)}
}

// Begin implements Writer
func (m *Memory) Begin(size uint64) error {
	if size > uint64(m.buffer.Capacity()) {
		return fmt.Errorf("%w: %d bytes exceed %d", ErrInsufficientSpace, size, m.buffer.Capacity())
	}
	if err := m.begin(size); err != nil {
		return err
	}
	m.buffer.Clear()
	return nil
}

// Write implements Writer
func (m *Memory) Write(p []byte) (int, error) {
	n, err := m.room(len(p))
	if n > 0 {
		m.buffer.Insert(m.buffer.Size(), p[:n]...)
		m.written += uint64(n)
	}
	return n, err
}

// Reset implements Writer
func (m *Memory) Reset() {
	m.progress = progress{}
	m.buffer.Clear()
}

// End implements Writer
func (m *Memory) End() error {
	if err := m.end(); err != nil {
		return err
	}
	image := make([]byte, 0, m.buffer.Size())
	m.buffer.Range(func(_ int, b byte) bool {
		image = append(image, b)
		return true
	})
	m.image = image
	m.Reset()
	return nil
}

// Image returns the last committed image
func (m *Memory) Image() []byte {
	return m.image
}
