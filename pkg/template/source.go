package template

import (
	"io"
	"os"
	"sync"
)

// Source is a disk payload stream with a known length.
// The only implementations are *ArchiveEntrySource and *FileSource.
type Source interface {
	io.ReadCloser

	// Name is the archive entry name or the file path.
	Name() string

	// Size is the number of bytes the stream yields.
	Size() int64

	sealed()
}

// ArchiveEntrySource streams one entry of an OVA archive. It owns the archive file handle.
type ArchiveEntrySource struct {
	name string
	size int64
	r    io.Reader
	f    *os.File
	pkg  *Package

	closeOnce sync.Once
	closeErr  error
}

func (s *ArchiveEntrySource) Read(b []byte) (int, error) { return s.r.Read(b) }
func (s *ArchiveEntrySource) Name() string               { return s.name }
func (s *ArchiveEntrySource) Size() int64                { return s.size }
func (s *ArchiveEntrySource) sealed()                    {}

// Close releases the archive file handle. It is safe to call more than once.
func (s *ArchiveEntrySource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.f.Close()
		s.pkg.untrack(s)
	})
	return s.closeErr
}

// FileSource streams a disk file that sits next to a bare descriptor.
type FileSource struct {
	path string
	size int64
	f    *os.File
	pkg  *Package

	closeOnce sync.Once
	closeErr  error
}

func (s *FileSource) Read(b []byte) (int, error) { return s.f.Read(b) }
func (s *FileSource) Name() string               { return s.path }
func (s *FileSource) Size() int64                { return s.size }
func (s *FileSource) sealed()                    {}

// Close closes the file. It is safe to call more than once.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.f.Close()
		s.pkg.untrack(s)
	})
	return s.closeErr
}
