package loader

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/windlass-ml/windlass/internal/config"
)

// FileSource reads weight blobs: every tensor of the architecture laid
// out back to back in blob order as little-endian float32.
type FileSource struct {
	f       *os.File
	cfg     config.Model
	offsets map[string]int64
	sizes   map[string]int
}

func NewFileSource(path string, cfg config.Model) (*FileSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadError, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadError, err)
	}

	s := &FileSource{
		f:       f,
		cfg:     cfg,
		offsets: make(map[string]int64),
		sizes:   make(map[string]int),
	}
	var off int64
	for _, spec := range tensorLayout(cfg) {
		n := spec.rows * spec.cols
		s.offsets[spec.name] = off
		s.sizes[spec.name] = n
		off += int64(n) * 4
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrLoadError, err)
	}
	if info.Size() != off {
		f.Close()
		return nil, fmt.Errorf("%w: blob is %d bytes, architecture needs %d", ErrLoadError, info.Size(), off)
	}
	return s, nil
}

func (s *FileSource) Config() config.Model {
	return s.cfg
}

func (s *FileSource) Tensor(name string) ([]float32, error) {
	off, ok := s.offsets[name]
	if !ok {
		return nil, fmt.Errorf("unknown tensor %q", name)
	}
	n := s.sizes[name]

	raw := make([]byte, n*4)
	if _, err := s.f.ReadAt(raw, off); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return data, nil
}

func (s *FileSource) Close() error {
	return s.f.Close()
}

// WriteBlob serializes a source's tensors into blob format, used to
// populate a cache directory.
func WriteBlob(path string, src WeightSource) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 0, 1<<16)
	for _, spec := range tensorLayout(src.Config()) {
		data, err := src.Tensor(spec.name)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", spec.name, err)
		}
		buf = buf[:0]
		for _, v := range data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
