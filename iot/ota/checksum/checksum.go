/*
Package checksum computes firmware checksums incrementally

The digest is rendered as lower case hex in the byte order the cloud uses when it
computes the reference checksum. For the integer based algorithms (CRC32, MURMUR3_32,
MURMUR3_128) the integers are written little-endian.
*/
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Algorithm names a checksum algorithm as announced in the fw_checksum_algorithm attribute
type Algorithm string

// Supported algorithms
const (
	MD5         Algorithm = "MD5"
	SHA256      Algorithm = "SHA256"
	SHA384      Algorithm = "SHA384"
	SHA512      Algorithm = "SHA512"
	CRC32       Algorithm = "CRC32"
	Murmur3x32  Algorithm = "MURMUR3_32"
	Murmur3x128 Algorithm = "MURMUR3_128"
)

var (
	// ErrUnknownAlgorithm is returned by Start for algorithms that are not supported
	ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")
	// ErrNotStarted is returned by Update before Start
	ErrNotStarted = errors.New("checksum not started")
)

// ParseAlgorithm parses an algorithm name, case-insensitive
func ParseAlgorithm(name string) (Algorithm, error) {
	algorithm := Algorithm(strings.ToUpper(name))
	if _, ok := factories[algorithm]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAlgorithm, name)
	}
	return algorithm, nil
}

// Hasher is the contract the OTA handler uses to verify firmware
type Hasher interface {
	Start(algorithm Algorithm) error
	Update(p []byte) error
	Finish() string
}

type digest struct {
	hash.Hash
	render func(h hash.Hash) string
}

var factories = map[Algorithm]func() digest{
	MD5:    func() digest { return digest{Hash: md5.New(), render: sum} },
	SHA256: func() digest { return digest{Hash: sha256.New(), render: sum} },
	SHA384: func() digest { return digest{Hash: sha512.New384(), render: sum} },
	SHA512: func() digest { return digest{Hash: sha512.New(), render: sum} },
	CRC32: func() digest {
		return digest{Hash: crc32.NewIEEE(), render: func(h hash.Hash) string {
			return littleEndian32(h.(hash.Hash32).Sum32())
		}}
	},
	Murmur3x32: func() digest {
		return digest{Hash: murmur3.New32(), render: func(h hash.Hash) string {
			return littleEndian32(h.(hash.Hash32).Sum32())
		}}
	},
	Murmur3x128: func() digest {
		return digest{Hash: murmur3.New128(), render: func(h hash.Hash) string {
			h1, h2 := h.(murmur3.Hash128).Sum128()
			b := make([]byte, 16)
			binary.LittleEndian.PutUint64(b, h1)
			binary.LittleEndian.PutUint64(b[8:], h2)
			return hex.EncodeToString(b)
		}}
	},
}

func sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func littleEndian32(v uint32) string {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return hex.EncodeToString(b)
}

// Accumulator implements Hasher. The zero value is ready to Start.
type Accumulator struct {
	algorithm Algorithm
	digest    *digest
}

// Start discards any previous state and begins a new checksum
func (a *Accumulator) Start(algorithm Algorithm) error {
	factory, ok := factories[algorithm]
	if !ok {
		a.digest = nil
		return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
	d := factory()
	a.algorithm = algorithm
	a.digest = &d
	return nil
}

// Update feeds p into the checksum
func (a *Accumulator) Update(p []byte) error {
	if a.digest == nil {
		return ErrNotStarted
	}
	_, err := a.digest.Write(p)
	return err
}

// Finish returns the hex checksum and ends the accumulation. It returns an empty string
// if Start was not called.
func (a *Accumulator) Finish() string {
	if a.digest == nil {
		return ""
	}
	result := a.digest.render(a.digest.Hash)
	a.digest = nil
	return result
}

// Algorithm returns the algorithm of the last Start
func (a *Accumulator) Algorithm() Algorithm {
	return a.algorithm
}

// Sum computes the checksum of data in one go
func Sum(algorithm Algorithm, data []byte) (string, error) {
	var a Accumulator
	if err := a.Start(algorithm); err != nil {
		return "", err
	}
	if err := a.Update(data); err != nil {
		return "", err
	}
	return a.Finish(), nil
}
