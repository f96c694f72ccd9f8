package superupload

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/objstore-io/go-superupload/internal"
)

// MaxObjectSize is the largest object a multipart upload can assemble, 48.8 TiB.
const MaxObjectSize int64 = 53_655_309_540_556

// Source provides the bytes of the object to upload.
// Section is called once per part attempt and may be called concurrently.
type Source interface {
	Size() int64
	Section(offset, size int64) (io.ReadSeeker, error)
}

// FileSource reads parts from a file on disk.
// Reads go through io.SectionReader, so parallel parts don't share a file offset.
type FileSource struct {
	file *os.File
	size int64
}

// NewFileSource opens path and takes its size from stat.
func NewFileSource(path string) (*FileSource, error) {
	return newFileSource(internal.RealOS{}, path)
}

func newFileSource(osProxy internal.OsProxy, path string) (*FileSource, error) {
	info, err := osProxy.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, &ValidationError{Field: "source", Reason: fmt.Sprintf("%s is a directory", path)}
	}

	file, err := osProxy.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &FileSource{file: file, size: info.Size()}, nil
}

// Size ...
func (s *FileSource) Size() int64 { return s.size }

// Section ...
func (s *FileSource) Section(offset, size int64) (io.ReadSeeker, error) {
	if err := checkRange(offset, size, s.size); err != nil {
		return nil, err
	}
	return io.NewSectionReader(s.file, offset, size), nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource provides parts from a buffer in memory.
type BytesSource struct {
	data []byte
}

// NewBytesSource ...
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

// Size ...
func (s *BytesSource) Size() int64 { return int64(len(s.data)) }

// Section ...
func (s *BytesSource) Section(offset, size int64) (io.ReadSeeker, error) {
	if err := checkRange(offset, size, s.Size()); err != nil {
		return nil, err
	}
	return bytes.NewReader(s.data[offset : offset+size]), nil
}

// ReaderAtSource provides parts from any random access input of known size.
type ReaderAtSource struct {
	r    io.ReaderAt
	size int64
}

// NewReaderAtSource ...
func NewReaderAtSource(r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{r: r, size: size}
}

// Size ...
func (s *ReaderAtSource) Size() int64 { return s.size }

// Section ...
func (s *ReaderAtSource) Section(offset, size int64) (io.ReadSeeker, error) {
	if err := checkRange(offset, size, s.size); err != nil {
		return nil, err
	}
	return io.NewSectionReader(s.r, offset, size), nil
}

// SourceFrom builds a Source from a file path, a byte slice, an open file or a Source.
// Streams are rejected: their size is unknown and their parts cannot be re-read.
// A Source opened from a path must be closed by the caller.
func SourceFrom(data interface{}) (Source, error) {
	switch v := data.(type) {
	case Source:
		return v, nil
	case string:
		return NewFileSource(v)
	case []byte:
		return NewBytesSource(v), nil
	case *os.File:
		info, err := v.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", v.Name(), err)
		}
		return NewReaderAtSource(v, info.Size()), nil
	case io.Reader:
		return nil, &ValidationError{Field: "source", Reason: "stream sources are not supported"}
	case nil:
		return nil, &ValidationError{Field: "source", Reason: "no source"}
	}
	return nil, &ValidationError{Field: "source", Reason: fmt.Sprintf("unsupported source type %T", data)}
}

func validateSource(source Source) error {
	if source == nil {
		return &ValidationError{Field: "source", Reason: "no source"}
	}
	size := source.Size()
	if size > MaxObjectSize {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("size %d exceeds the maximum object size %d", size, MaxObjectSize)}
	}
	return nil
}

func checkRange(offset, size, total int64) error {
	if offset < 0 || size <= 0 || offset+size > total {
		return fmt.Errorf("range [%d, %d) is outside the source of %d bytes", offset, offset+size, total)
	}
	return nil
}
