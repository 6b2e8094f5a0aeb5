// Package template opens VM template packages: a bare OVF descriptor with its disk
// files next to it, or an OVA tar archive bundling the descriptor with its disks.
//
// Archives are never indexed. Every lookup re-scans the archive from its first entry,
// so each payload stream owns its own file handle and streams can be read concurrently.
package template

import (
	"archive/tar"
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/security"
)

// Format identifies how a template is packaged.
type Format string

const (
	FormatDescriptor Format = "descriptor"
	FormatArchive    Format = "archive"
)

const (
	descriptorExt = ".ovf"
	archiveExt    = ".ova"
	manifestExt   = ".mf"

	// sniffSize covers the tar header, whose ustar magic lives at offset 257.
	sniffSize = 512
)

// Package is an opened template.
type Package struct {
	Path   string
	Format Format

	validator *security.Validator

	mu      sync.Mutex
	sources map[Source]struct{}
}

// Option configures a Package.
type Option func(*Package)

// WithValidator sets the validator applied to archive entries and disk sizes.
func WithValidator(v *security.Validator) Option {
	return func(p *Package) {
		p.validator = v
	}
}

// Open opens the template at path and determines its format.
func Open(path string, opts ...Option) (*Package, error) {
	slog.Info("template_open", "path", path)

	fi, err := os.Stat(path)
	if err != nil {
		slog.Error("template_stat_failed", "path", path, "error", err)
		return nil, errors.E(errors.KindNotReadable, err, "template is not readable")
	}
	if fi.IsDir() {
		return nil, errors.Newf(errors.KindUnsupportedFormat, "template %s is a directory", path)
	}

	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}

	p := &Package{
		Path:      path,
		Format:    format,
		validator: security.NewValidator(0, 0),
		sources:   make(map[Source]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if format == FormatArchive {
		if err := p.validateArchive(); err != nil {
			return nil, err
		}
	}

	slog.Info("template_opened", "path", path, "format", format, "size_mb", fi.Size()/1024/1024)
	return p, nil
}

func detectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case archiveExt:
		return FormatArchive, nil
	case descriptorExt:
		return FormatDescriptor, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.E(errors.KindNotReadable, err, "template is not readable")
	}
	defer f.Close()

	buf := make([]byte, sniffSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", errors.E(errors.KindNotReadable, err, "failed to read template header")
	}
	buf = buf[:n]

	if len(buf) >= 262 && string(buf[257:262]) == "ustar" {
		return FormatArchive, nil
	}

	head := bytes.TrimPrefix(buf, []byte("\xef\xbb\xbf"))
	head = bytes.TrimLeft(head, " \t\r\n")
	for _, prefix := range []string{"<?xml", "<Envelope", "<ovf:Envelope"} {
		if bytes.HasPrefix(head, []byte(prefix)) {
			return FormatDescriptor, nil
		}
	}

	slog.Error("template_format_unknown", "path", path)
	return "", errors.Newf(errors.KindUnsupportedFormat, "template %s is neither an OVA archive nor an OVF descriptor", path)
}

func isDescriptorName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), descriptorExt)
}

func entryName(hdr *tar.Header) string {
	return strings.TrimPrefix(hdr.Name, "./")
}

// validateArchive checks the archive once: exactly one descriptor, unique entry names,
// safe paths and regular files only.
func (p *Package) validateArchive() error {
	p.validator.Reset()

	f, tr, err := p.openArchive()
	if err != nil {
		return err
	}
	defer f.Close()

	seen := make(map[string]struct{})
	descriptors := 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			slog.Error("archive_read_failed", "path", p.Path, "error", err)
			return errors.E(errors.KindNotReadable, err, "failed to read archive")
		}

		name := entryName(hdr)
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if err := p.validator.ValidatePath(name); err != nil {
			return errors.E(errors.KindUnsupportedFormat, err, "invalid archive entry")
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			return errors.Newf(errors.KindUnsupportedFormat, "archive entry %s is not a regular file", name)
		}
		if _, dup := seen[name]; dup {
			return errors.Newf(errors.KindUnsupportedFormat, "duplicate archive entry %s", name)
		}
		seen[name] = struct{}{}

		if isDescriptorName(name) {
			descriptors++
			continue
		}
		if err := p.validator.AddPayloadSize(hdr.Size); err != nil {
			return errors.E(errors.KindUnsupportedFormat, err, "archive rejected")
		}
	}

	if descriptors != 1 {
		slog.Error("archive_descriptor_count_invalid", "path", p.Path, "descriptors", descriptors)
		return errors.Newf(errors.KindUnsupportedFormat, "archive %s must contain exactly one descriptor, found %d", p.Path, descriptors)
	}
	return nil
}

func (p *Package) openArchive() (*os.File, *tar.Reader, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		slog.Error("archive_open_failed", "path", p.Path, "error", err)
		return nil, nil, errors.E(errors.KindNotReadable, err, "template is not readable")
	}
	return f, tar.NewReader(f), nil
}

// Descriptor reads the full descriptor text. Descriptors are small XML documents;
// disk payloads must go through FindPayload or OpenSource instead.
func (p *Package) Descriptor() (string, error) {
	if p.Format == FormatDescriptor {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return "", errors.E(errors.KindNotReadable, err, "failed to read descriptor")
		}
		return string(data), nil
	}

	f, tr, err := p.openArchive()
	if err != nil {
		return "", err
	}
	defer f.Close()

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.E(errors.KindNotReadable, err, "failed to read archive")
		}
		if hdr.Typeflag == tar.TypeDir || !isDescriptorName(entryName(hdr)) {
			continue
		}

		var sb strings.Builder
		sb.Grow(int(hdr.Size))
		if _, err := io.Copy(&sb, tr); err != nil {
			return "", errors.E(errors.KindNotReadable, err, "failed to read descriptor")
		}
		slog.Info("descriptor_read", "path", p.Path, "entry", entryName(hdr), "bytes", sb.Len())
		return sb.String(), nil
	}

	return "", errors.Newf(errors.KindUnsupportedFormat, "archive %s has no descriptor", p.Path)
}

// FindPayload scans the archive for the first entry whose name starts with name and
// returns a stream over it. Descriptor-only packages have no payload entries, so the
// lookup always fails with NotFound for them.
func (p *Package) FindPayload(name string) (*ArchiveEntrySource, error) {
	if p.Format != FormatArchive {
		return nil, errors.Newf(errors.KindNotFound, "payload %q not found: %s is not an archive", name, p.Path)
	}

	f, tr, err := p.openArchive()
	if err != nil {
		return nil, err
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return nil, errors.E(errors.KindNotReadable, err, "failed to read archive")
		}
		entry := entryName(hdr)
		if hdr.Typeflag == tar.TypeDir || !strings.HasPrefix(entry, name) {
			continue
		}

		if err := p.validator.ValidateDiskSize(hdr.Size); err != nil {
			f.Close()
			return nil, errors.E(errors.KindUnsupportedFormat, err, "payload rejected")
		}

		src := &ArchiveEntrySource{
			name: entry,
			size: hdr.Size,
			r:    io.LimitReader(tr, hdr.Size),
			f:    f,
			pkg:  p,
		}
		p.track(src)
		slog.Info("payload_found", "path", p.Path, "name", name, "entry", entry, "size", hdr.Size)
		return src, nil
	}

	f.Close()
	slog.Warn("payload_not_found", "path", p.Path, "name", name)
	return nil, errors.Newf(errors.KindNotFound, "payload %q not found in %s", name, p.Path)
}

// OpenSource resolves the payload declared as name. Archives yield an archive entry;
// descriptor-only packages yield the file of that name next to the descriptor.
func (p *Package) OpenSource(name string) (Source, error) {
	if p.Format == FormatArchive {
		return p.FindPayload(name)
	}

	if err := p.validator.ValidateReference(name); err != nil {
		return nil, errors.E(errors.KindNotFound, err, "invalid payload reference")
	}

	path := filepath.Join(filepath.Dir(p.Path), name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("payload_not_found", "path", path, "name", name)
			return nil, errors.Newf(errors.KindNotFound, "payload %q not found next to %s", name, p.Path)
		}
		return nil, errors.E(errors.KindNotReadable, err, "failed to open payload")
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.E(errors.KindNotReadable, err, "failed to stat payload")
	}
	if err := p.validator.ValidateDiskSize(fi.Size()); err != nil {
		f.Close()
		return nil, errors.E(errors.KindUnsupportedFormat, err, "payload rejected")
	}

	src := &FileSource{
		path: path,
		size: fi.Size(),
		f:    f,
		pkg:  p,
	}
	p.track(src)
	slog.Info("payload_found", "path", path, "name", name, "size", fi.Size())
	return src, nil
}

func (p *Package) track(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[s] = struct{}{}
}

func (p *Package) untrack(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sources, s)
}

// OpenSources returns the number of payload streams that are still open.
func (p *Package) OpenSources() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

// Close closes every payload stream the package opened that is still open.
func (p *Package) Close() error {
	p.mu.Lock()
	open := make([]Source, 0, len(p.sources))
	for s := range p.sources {
		open = append(open, s)
	}
	p.mu.Unlock()

	var firstErr error
	for _, s := range open {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(open) > 0 {
		slog.Info("template_closed", "path", p.Path, "closed_sources", len(open))
	}
	return firstErr
}
