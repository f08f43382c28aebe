package recorder

import (
	"bytes"

	"github.com/xitongsys/parquet-go/source"
)

// memoryFile satisfies the parquet file interface with an in-memory buffer so
// a snapshot can be encoded and uploaded without touching the filesystem.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) {
	return m, nil
}

func (m *memoryFile) Open(name string) (source.ParquetFile, error) {
	return m, nil
}

// Seek reports the current length; the parquet writer only appends.
func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error) {
	return m.buffer.Read(b)
}

func (m *memoryFile) Write(b []byte) (int, error) {
	return m.buffer.Write(b)
}

func (m *memoryFile) Close() error {
	return nil
}

func (m *memoryFile) Bytes() []byte {
	return m.buffer.Bytes()
}
