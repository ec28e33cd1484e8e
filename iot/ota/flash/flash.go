/*
Package flash contains the storage backends that receive firmware images

A Writer receives the image chunk by chunk. Begin announces the total size, Write appends,
End commits the complete image and Reset abandons a partial one. Writers never expose a
partial image: Memory keeps the previous image until End, File and S3 stage the download
and move it into place on End.
*/
package flash

import "errors"

var (
	// ErrInProgress is returned by Begin while another image is being written
	ErrInProgress = errors.New("image write in progress")
	// ErrNotBegun is returned by Write and End without a preceding Begin
	ErrNotBegun = errors.New("image write not begun")
	// ErrInsufficientSpace is returned by Begin if the image does not fit
	ErrInsufficientSpace = errors.New("insufficient space for image")
	// ErrIncomplete is returned by End if fewer bytes were written than announced
	ErrIncomplete = errors.New("image incomplete")
	// ErrOverflow is returned by Write for bytes beyond the announced size
	ErrOverflow = errors.New("image larger than announced")
)

// Writer is the contract the OTA handler uses to store firmware
type Writer interface {
	// Begin starts an image of size bytes
	Begin(size uint64) error
	// Write appends p. A short write is reported with an error.
	Write(p []byte) (int, error)
	// Reset abandons the current image. It is idempotent.
	Reset()
	// End commits the image. All announced bytes must have been written.
	End() error
}

// progress tracks the announced and written size of an image
type progress struct {
	active  bool
	size    uint64
	written uint64
}

func (p *progress) begin(size uint64) error {
	if p.active {
		return ErrInProgress
	}
	*p = progress{active: true, size: size}
	return nil
}

// room returns how many of n bytes fit into the announced size
func (p *progress) room(n int) (int, error) {
	if !p.active {
		return 0, ErrNotBegun
	}
	if remaining := p.size - p.written; uint64(n) > remaining {
		return int(remaining), ErrOverflow
	}
	return n, nil
}

func (p *progress) end() error {
	if !p.active {
		return ErrNotBegun
	}
	if p.written != p.size {
		return ErrIncomplete
	}
	return nil
}
