package template

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmware/govmomi/ovf"

	"github.com/vmops/ovfdeploy/pkg/errors"
)

// EntryKind classifies a file of a template.
type EntryKind string

const (
	EntryDescriptor EntryKind = "descriptor"
	EntryManifest   EntryKind = "manifest"
	EntryPayload    EntryKind = "payload"
)

// Entry describes one file of a template.
type Entry struct {
	Name    string
	Size    int64
	Kind    EntryKind
	Missing bool // referenced by the descriptor but absent on disk
}

func kindOf(name string) EntryKind {
	switch {
	case isDescriptorName(name):
		return EntryDescriptor
	case strings.EqualFold(filepath.Ext(name), manifestExt):
		return EntryManifest
	default:
		return EntryPayload
	}
}

// Entries lists the files of the template. For archives these are the archive entries
// in order; for bare descriptors it is the descriptor followed by the files its
// References section declares.
func (p *Package) Entries() ([]Entry, error) {
	if p.Format == FormatArchive {
		return p.archiveEntries()
	}

	fi, err := os.Stat(p.Path)
	if err != nil {
		return nil, errors.E(errors.KindNotReadable, err, "failed to stat descriptor")
	}
	entries := []Entry{{Name: filepath.Base(p.Path), Size: fi.Size(), Kind: EntryDescriptor}}

	f, err := os.Open(p.Path)
	if err != nil {
		return nil, errors.E(errors.KindNotReadable, err, "failed to open descriptor")
	}
	defer f.Close()

	env, err := ovf.Unmarshal(f)
	if err != nil {
		return nil, errors.E(errors.KindUnsupportedFormat, err, "failed to parse descriptor")
	}

	dir := filepath.Dir(p.Path)
	for _, ref := range env.References {
		e := Entry{Name: ref.Href, Size: int64(ref.Size), Kind: kindOf(ref.Href)}
		if st, err := os.Stat(filepath.Join(dir, ref.Href)); err == nil {
			e.Size = st.Size()
		} else {
			e.Missing = true
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (p *Package) archiveEntries() ([]Entry, error) {
	f, tr, err := p.openArchive()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.KindNotReadable, err, "failed to read archive")
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		name := entryName(hdr)
		entries = append(entries, Entry{Name: name, Size: hdr.Size, Kind: kindOf(name)})
	}
	return entries, nil
}
