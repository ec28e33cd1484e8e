package flash

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/relabs-tech/tbdevice/core/logger"
)

// File is a Writer into a file on the local filesystem. The image is staged next to the
// target as <path>.part and renamed on End.
type File struct {
	progress
	path    string
	staging *os.File
}

// NewFile returns a File writer for path
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the target path
func (f *File) Path() string {
	return f.path
}

func (f *File) stagingPath() string {
	return f.path + ".part"
}

// Begin implements Writer
func (f *File) Begin(size uint64) error {
	if err := f.begin(size); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		f.progress = progress{}
		return fmt.Errorf("cannot create directory for %s: %w", f.path, err)
	}
	staging, err := os.Create(f.stagingPath())
	if err != nil {
		f.progress = progress{}
		return fmt.Errorf("cannot create %s: %w", f.stagingPath(), err)
	}
	f.staging = staging
	return nil
}

// Write implements Writer
func (f *File) Write(p []byte) (int, error) {
	n, err := f.room(len(p))
	if n == 0 {
		return 0, err
	}
	written, werr := f.staging.Write(p[:n])
	f.written += uint64(written)
	if werr != nil {
		return written, werr
	}
	return written, err
}

// Reset implements Writer
func (f *File) Reset() {
	if f.staging != nil {
		f.staging.Close()
		if err := os.Remove(f.stagingPath()); err != nil && !os.IsNotExist(err) {
			logger.ForComponent("flash").WithError(err).Warnf("cannot remove %s", f.stagingPath())
		}
		f.staging = nil
	}
	f.progress = progress{}
}

// End implements Writer
func (f *File) End() error {
	if err := f.end(); err != nil {
		return err
	}
	staging, size := f.staging, f.size
	f.staging = nil
	f.progress = progress{}
	if err := staging.Sync(); err != nil {
		staging.Close()
		os.Remove(staging.Name())
		return fmt.Errorf("cannot sync %s: %w", staging.Name(), err)
	}
	if err := staging.Close(); err != nil {
		os.Remove(staging.Name())
		return fmt.Errorf("cannot close %s: %w", staging.Name(), err)
	}
	if err := os.Rename(staging.Name(), f.path); err != nil {
		os.Remove(staging.Name())
		return fmt.Errorf("cannot move image to %s: %w", f.path, err)
	}
	logger.ForComponent("flash").Infof("image of %d bytes stored in %s", size, f.path)
	return nil
}
