package scan

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// chunkSize is the read buffer used for every file, whatever its size.
const chunkSize = 64 * 1024 // 64 KB

// Algorithm names a cryptographic digest.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	SHA512  Algorithm = "sha512"
	SHA1    Algorithm = "sha1"
	BLAKE2b Algorithm = "blake2b-256"
)

// Algorithms lists the supported digests.
var Algorithms = []Algorithm{SHA256, SHA512, SHA1, BLAKE2b}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA1:
		return sha1.New(), nil
	case BLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", string(a))
	}
}

// DigestOptions configures the digest engine for a whole run.
type DigestOptions struct {
	Algorithm Algorithm

	// SampleThreshold switches files strictly larger than this many bytes to
	// sampled hashing: the size plus SampleChunk bytes from the head, middle
	// and tail. Zero disables sampling.
	SampleThreshold int64
	SampleChunk     int64
}

// Sum is the digest of one file.
type Sum struct {
	Digest    Digest
	BytesRead int64
	Sampled   bool
}

// Hasher streams files through a fixed digest algorithm. It is safe for
// concurrent use; each call opens and owns its own file handle.
type Hasher struct {
	opts DigestOptions
	bufs sync.Pool
}

// NewHasher validates opts and returns a Hasher.
func NewHasher(opts DigestOptions) (*Hasher, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = SHA256
	}
	if _, err := opts.Algorithm.newHash(); err != nil {
		return nil, err
	}
	if opts.SampleThreshold < 0 {
		return nil, fmt.Errorf("sample threshold must not be negative, got %d", opts.SampleThreshold)
	}
	if opts.SampleChunk <= 0 {
		opts.SampleChunk = chunkSize
	}
	if opts.SampleThreshold > 0 && opts.SampleThreshold < 3*opts.SampleChunk {
		return nil, fmt.Errorf("sample threshold %d must be at least three sample chunks (%d)",
			opts.SampleThreshold, 3*opts.SampleChunk)
	}
	h := &Hasher{opts: opts}
	h.bufs.New = func() any {
		b := make([]byte, chunkSize)
		return &b
	}
	return h, nil
}

// Algorithm returns the digest algorithm used for the run.
func (h *Hasher) Algorithm() Algorithm {
	return h.opts.Algorithm
}

// Sum hashes the file at path. size is the size observed by the walker and
// selects between full and sampled hashing. Every byte read is also written
// to sink when it is non-nil.
//
// A read error mid-stream discards the partial digest.
func (h *Hasher) Sum(path string, size int64, sink io.Writer) (Sum, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sum{}, err
	}
	defer f.Close()

	hw, err := h.opts.Algorithm.newHash()
	if err != nil {
		return Sum{}, err
	}

	if h.opts.SampleThreshold > 0 && size > h.opts.SampleThreshold {
		return h.sampled(f, path, size, hw, sink)
	}

	var w io.Writer = hw
	if sink != nil {
		w = io.MultiWriter(hw, sink)
	}

	bp := h.bufs.Get().(*[]byte)
	defer h.bufs.Put(bp)

	// Wrap f so io.CopyBuffer cannot bypass the pooled buffer via WriterTo.
	n, err := io.CopyBuffer(w, struct{ io.Reader }{f}, *bp)
	if err != nil {
		return Sum{}, fmt.Errorf("read %s after %d bytes: %w", path, n, err)
	}
	return Sum{Digest: Digest(hw.Sum(nil)), BytesRead: n}, nil
}

// sampled hashes the size followed by three chunks. The size prefix keeps a
// sampled digest from ever equalling a full digest of a smaller file.
func (h *Hasher) sampled(f *os.File, path string, size int64, hw hash.Hash, sink io.Writer) (Sum, error) {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(size))
	hw.Write([]byte("sampled:"))
	hw.Write(prefix[:])

	chunk := h.opts.SampleChunk
	offsets := [3]int64{0, size/2 - chunk/2, size - chunk}

	bp := h.bufs.Get().(*[]byte)
	defer h.bufs.Put(bp)

	var total int64
	for i, off := range offsets {
		section := io.NewSectionReader(f, off, chunk)
		var w io.Writer = hw
		if i == 0 && sink != nil {
			w = io.MultiWriter(hw, sink)
		}
		n, err := io.CopyBuffer(w, section, *bp)
		total += n
		if err != nil {
			return Sum{}, fmt.Errorf("read %s at offset %d: %w", path, off, err)
		}
		if n != chunk {
			return Sum{}, fmt.Errorf("read %s at offset %d: %w", path, off, io.ErrUnexpectedEOF)
		}
	}
	return Sum{Digest: Digest(hw.Sum(nil)), BytesRead: total, Sampled: true}, nil
}
