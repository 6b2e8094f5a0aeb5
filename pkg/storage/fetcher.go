package storage

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/vmops/ovfdeploy/pkg/db"
	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/security"
	"github.com/vmops/ovfdeploy/pkg/template"
)

// Cache remembers which objects were already downloaded.
type Cache interface {
	GetDownload(uri string) (*db.Download, error)
	SaveDownload(d *db.Download) error
}

// Fetcher downloads templates into dir, reusing earlier downloads whose ETag still
// matches the object.
type Fetcher struct {
	client    *Client
	cache     Cache
	dir       string
	validator *security.Validator
}

// NewFetcher creates a fetcher storing downloads below dir.
func NewFetcher(client *Client, cache Cache, dir string) *Fetcher {
	return &Fetcher{
		client:    client,
		cache:     cache,
		dir:       dir,
		validator: security.NewValidator(0, 0),
	}
}

// Fetch makes the template at uri available locally and returns its path. For a bare
// descriptor, the disk files it references are fetched from the same prefix.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (string, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return "", err
	}

	local, err := f.fetchObject(ctx, loc)
	if err != nil {
		return "", err
	}

	if strings.EqualFold(path.Ext(loc.Key), ".ovf") {
		if err := f.fetchReferences(ctx, loc, local); err != nil {
			return "", err
		}
	}
	return local, nil
}

func (f *Fetcher) localPath(loc Location) (string, error) {
	if err := f.validator.ValidatePath(loc.Key); err != nil {
		return "", errors.E(errors.KindNotReadable, err, "invalid object key")
	}
	if err := f.validator.ValidateReference(loc.Bucket); err != nil {
		return "", errors.E(errors.KindNotReadable, err, "invalid bucket name")
	}
	return filepath.Join(f.dir, loc.Bucket, filepath.FromSlash(loc.Key)), nil
}

func (f *Fetcher) fetchObject(ctx context.Context, loc Location) (string, error) {
	local, err := f.localPath(loc)
	if err != nil {
		return "", err
	}

	info, err := f.client.Head(ctx, loc)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", errors.Newf(errors.KindNotFound, "template %s not found", loc)
	}

	cached, err := f.cache.GetDownload(loc.String())
	if err != nil {
		return "", err
	}
	if cached != nil && cached.ETag == info.ETag && cached.Size == info.Size {
		if fi, err := os.Stat(cached.LocalPath); err == nil && fi.Size() == cached.Size {
			slog.Info("download_cache_hit", "uri", loc.String(), "local_path", cached.LocalPath)
			return cached.LocalPath, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		slog.Error("download_dir_creation_failed", "path", filepath.Dir(local), "error", err)
		return "", errors.Wrap(err, "failed to create download dir")
	}

	result, err := f.client.Download(ctx, loc, local)
	if err != nil {
		return "", err
	}

	etag := result.ETag
	if etag == "" {
		etag = info.ETag
	}
	if err := f.cache.SaveDownload(&db.Download{
		URI:       loc.String(),
		LocalPath: result.LocalPath,
		SHA256:    result.SHA256,
		ETag:      etag,
		Size:      result.Size,
	}); err != nil {
		return "", err
	}
	return result.LocalPath, nil
}

func (f *Fetcher) fetchReferences(ctx context.Context, loc Location, descriptor string) error {
	pkg, err := template.Open(descriptor)
	if err != nil {
		return err
	}
	defer pkg.Close()

	entries, err := pkg.Entries()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.Kind != template.EntryPayload {
			continue
		}
		if err := f.validator.ValidateReference(e.Name); err != nil {
			return errors.E(errors.KindNotReadable, err, "invalid file reference")
		}
		ref := Location{Bucket: loc.Bucket, Key: path.Join(path.Dir(loc.Key), e.Name)}
		slog.Info("descriptor_reference_fetch", "descriptor", loc.String(), "reference", ref.String())
		if _, err := f.fetchObject(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}
