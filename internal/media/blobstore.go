package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/archivist/internal/archive"
)

// ErrTooLarge is returned when a payload exceeds the configured limit.
var ErrTooLarge = errors.New("asset exceeds size limit")

// ErrInvalidChecksum is returned for malformed checksums.
var ErrInvalidChecksum = errors.New("invalid checksum")

// Blobs is the content-addressed file layout under one root directory.
type Blobs struct {
	root string
}

// NewBlobs creates the blob root and its staging directory.
func NewBlobs(root string) (*Blobs, error) {
	for _, dir := range []string{root, filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create blob directory: %w", err)
		}
	}
	return &Blobs{root: root}, nil
}

// Staged is a payload written to the staging area but not yet committed.
type Staged struct {
	Checksum string
	Size     int64
	Path     string
}

// Discard removes the staged file.
func (s *Staged) Discard() {
	if s != nil && s.Path != "" {
		_ = os.Remove(s.Path)
	}
}

// Stage copies r into a temporary file while hashing it. Payloads larger
// than max bytes are rejected with ErrTooLarge. Failures writing the staging
// area are StorageFailure; errors reading r are returned as they are.
func (b *Blobs) Stage(r io.Reader, max int64) (*Staged, error) {
	tmp, err := os.CreateTemp(filepath.Join(b.root, "tmp"), "stage-*")
	if err != nil {
		return nil, archive.Wrap(archive.KindStorageFailure, "create staging file", err)
	}
	staged := &Staged{Path: tmp.Name()}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(&volumeWriter{w: tmp}, hasher), io.LimitReader(r, max+1))
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = archive.Wrap(archive.KindStorageFailure, "close staging file", cerr)
	}
	if err != nil {
		staged.Discard()
		var ae *archive.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if n > max {
		staged.Discard()
		return nil, ErrTooLarge
	}
	staged.Checksum = hex.EncodeToString(hasher.Sum(nil))
	staged.Size = n
	return staged, nil
}

// volumeWriter classifies write errors on the media volume (ENOSPC, EIO).
type volumeWriter struct {
	w io.Writer
}

func (v *volumeWriter) Write(p []byte) (int, error) {
	n, err := v.w.Write(p)
	if err != nil {
		return n, archive.Wrap(archive.KindStorageFailure, "write staging file", err)
	}
	return n, nil
}

// Commit moves a staged payload to its content address. It reports false
// when a file already occupies the address; the staged copy is then
// discarded and nothing is written. The link is atomic, so concurrent
// commits of identical content write the file once.
func (b *Blobs) Commit(s *Staged) (bool, error) {
	dst := b.Path(s.Checksum)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		s.Discard()
		return false, fmt.Errorf("failed to create storage directory: %w", err)
	}
	defer s.Discard()
	err := os.Link(s.Path, dst)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrExist):
		return false, nil
	}
	// Filesystems without hard links fall back to an existence check plus
	// rename.
	if _, serr := os.Stat(dst); serr == nil {
		return false, nil
	}
	if rerr := os.Rename(s.Path, dst); rerr != nil {
		return false, fmt.Errorf("failed to move file to storage: %w", rerr)
	}
	return true, nil
}

// Rel returns the root-relative storage path for a checksum.
func Rel(checksum string) string {
	return filepath.Join(checksum[0:2], checksum[2:4], checksum)
}

// Path returns the absolute path for a checksum.
func (b *Blobs) Path(checksum string) string {
	return filepath.Join(b.root, Rel(checksum))
}

// Abs resolves a stored root-relative path.
func (b *Blobs) Abs(rel string) string {
	return filepath.Join(b.root, rel)
}

// Exists reports whether the blob for checksum is present.
func (b *Blobs) Exists(checksum string) bool {
	_, err := os.Stat(b.Path(checksum))
	return err == nil
}

// Remove deletes a blob and its thumbnail, then prunes empty prefix
// directories.
func (b *Blobs) Remove(checksum string) error {
	if err := ValidChecksum(checksum); err != nil {
		return err
	}
	p := b.Path(checksum)
	for _, f := range []string{p, p + thumbSuffix} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete blob: %w", err)
		}
	}
	dir := filepath.Dir(p)
	_ = os.Remove(dir)
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// ValidChecksum checks for a lowercase hex SHA-256 digest.
func ValidChecksum(s string) error {
	if len(s) != sha256.Size*2 || strings.ToLower(s) != s {
		return ErrInvalidChecksum
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ErrInvalidChecksum
	}
	return nil
}
