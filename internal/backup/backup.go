// Package backup writes a datastore into a single xz-compressed tar stream
// and restores it. The stream holds the badger backup of the store file and
// every blob file as it lies on disk, so encrypted blobs stay encrypted and
// a restore needs the same key.
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/ulikunitz/xz"
)

const (
	storeEntry = "store.badger"
	blobDir    = "attachments"
)

// Status summarizes one backup or restore.
type Status struct {
	StoreBytes int64
	Blobs      int
	BlobBytes  int64
	Duration   time.Duration
}

// Write streams kv and the files in blobs into w.
func Write(ctx context.Context, w io.Writer, kv *keyValStore.KeyValStore, blobs string) (Status, error) {
	start := time.Now()
	var st Status

	xw, err := xz.NewWriter(w)
	if err != nil {
		return st, fmt.Errorf("backup: xz writer: %w", err)
	}
	tw := tar.NewWriter(xw)

	// tar needs the size up front, so the badger stream goes through a
	// temporary file.
	tmp, err := os.CreateTemp("", "ouroboros-backup-*")
	if err != nil {
		return st, fmt.Errorf("%w: backup temp file: %v", model.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := kv.Backup(tmp); err != nil {
		return st, err
	}
	if st.StoreBytes, err = tmp.Seek(0, io.SeekCurrent); err != nil {
		return st, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return st, err
	}
	if err := writeEntry(tw, storeEntry, st.StoreBytes, tmp); err != nil {
		return st, err
	}

	entries, err := os.ReadDir(blobs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return st, fmt.Errorf("%w: read blob directory: %v", model.ErrStorage, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".blob") {
			continue
		}
		n, err := writeFile(tw, path.Join(blobDir, e.Name()), filepath.Join(blobs, e.Name()))
		if err != nil {
			return st, err
		}
		st.Blobs++
		st.BlobBytes += n
	}

	if err := tw.Close(); err != nil {
		return st, fmt.Errorf("backup: close tar: %w", err)
	}
	if err := xw.Close(); err != nil {
		return st, fmt.Errorf("backup: close xz: %w", err)
	}
	st.Duration = time.Since(start)
	return st, nil
}

func writeFile(tw *tar.Writer, name, file string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", model.ErrStorage, file, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), writeEntry(tw, name, info.Size(), f)
}

func writeEntry(tw *tar.Writer, name string, size int64, r io.Reader) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    size,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("backup: tar header %s: %w", name, err)
	}
	if _, err := io.CopyN(tw, r, size); err != nil {
		return fmt.Errorf("backup: write %s: %w", name, err)
	}
	return nil
}

// Read restores a stream produced by Write into an empty kv and blob
// directory.
func Read(ctx context.Context, r io.Reader, kv *keyValStore.KeyValStore, blobs string) (Status, error) {
	start := time.Now()
	var st Status

	xr, err := xz.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("%w: not an xz backup: %v", model.ErrValidation, err)
	}
	if err := os.MkdirAll(blobs, 0o700); err != nil {
		return st, fmt.Errorf("%w: create blob directory: %v", model.ErrStorage, err)
	}

	tr := tar.NewReader(xr)
	sawStore := false
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, fmt.Errorf("%w: corrupt backup: %v", model.ErrValidation, err)
		}
		switch {
		case hdr.Name == storeEntry:
			if err := kv.Load(tr); err != nil {
				return st, err
			}
			sawStore = true
			st.StoreBytes = hdr.Size
		case path.Dir(hdr.Name) == blobDir && strings.HasSuffix(hdr.Name, ".blob"):
			name := path.Base(hdr.Name)
			if err := restoreFile(filepath.Join(blobs, name), tr); err != nil {
				return st, err
			}
			st.Blobs++
			st.BlobBytes += hdr.Size
		default:
			return st, fmt.Errorf("%w: unexpected backup entry %q", model.ErrValidation, hdr.Name)
		}
	}
	if !sawStore {
		return st, fmt.Errorf("%w: backup has no store entry", model.ErrValidation)
	}
	st.Duration = time.Since(start)
	return st, nil
}

func restoreFile(dst string, r io.Reader) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: restore %s: %v", model.ErrStorage, dst, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: restore %s: %v", model.ErrStorage, dst, err)
	}
	return f.Close()
}
