package mirror

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/datatrails/go-datatrails-common/azblob"
	"github.com/datatrails/go-datatrails-common/logger"
)

// ErrBackupFailure reports a failure uploading the off-site mirror backup.
// It never participates in push/fetch correctness -- a BlobBackup failure
// is returned to the caller to report, but the push itself has
// already succeeded against the ER by the time BackupAfterPush runs.
var ErrBackupFailure = errors.New("mirror: off-site backup failed")

// blobStore is the narrow surface of datatrails-common/azblob this package
// depends on, mirroring massifs/massifcommitter.go's unexported
// massifStore interface.
type blobStore interface {
	Put(ctx context.Context, path string, data azblob.ReaderCloser, opts ...azblob.Option) (*azblob.WriteResponse, error)
}

// BlobBackup optionally tars up a mirror's bare repository directory and
// uploads it to blob storage after a successful push, guarding against a
// racy concurrent upload the same way
// massifs/massifcommitter.go:CommitContext guards massif writes: an
// If-None-Match "*" Put on the dated blob path never overwrites an
// existing snapshot for the same timestamp.
type BlobBackup struct {
	Store blobStore
	Log   logger.Logger
}

// NewBlobBackup returns a BlobBackup writing through store.
func NewBlobBackup(store blobStore, log logger.Logger) *BlobBackup {
	return &BlobBackup{Store: store, Log: log}
}

// BackupAfterPush tars mirrorDir and uploads it under a timestamped blob
// path derived from url's hash, tagging the blob with the push time. It is
// additive disaster recovery, not part of push/fetch correctness: a
// failure here is reported to the caller but never undoes the already
// completed transport push.
func (b *BlobBackup) BackupAfterPush(ctx context.Context, url, mirrorDir string, now time.Time) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(mirrorDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(mirrorDir, path)
		if err != nil {
			return err
		}
		data, err := readFile(path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: rel, Size: int64(len(data)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: archiving %s: %v", ErrBackupFailure, mirrorDir, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailure, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailure, err)
	}

	blobPath := backupBlobPath(url, now)
	opts := []azblob.Option{
		azblob.WithTags(map[string]string{"pushed-at": now.UTC().Format(time.RFC3339)}),
		azblob.WithEtagNoneMatch("*"),
	}
	if _, err := b.Store.Put(ctx, blobPath, azblob.NewBytesReaderCloser(buf.Bytes()), opts...); err != nil {
		return fmt.Errorf("%w: uploading %s: %v", ErrBackupFailure, blobPath, err)
	}
	if b.Log != nil {
		b.Log.Infof("mirror: backed up %s to %s", mirrorDir, blobPath)
	}
	return nil
}

func backupBlobPath(url string, now time.Time) string {
	sum := sha1.Sum([]byte(url))
	return fmt.Sprintf("incrypt-backups/%s/%s.tar.gz", hex.EncodeToString(sum[:]), now.UTC().Format("20060102T150405Z"))
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
