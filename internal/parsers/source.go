package parsers

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fyrsmithlabs/archivist/internal/archive"
)

// HeadSize is how much of a file or member Sniff may look at.
const HeadSize = 64 * 1024

var zipMagic = [][]byte{
	[]byte("PK\x03\x04"),
	[]byte("PK\x05\x06"),
}

// Source is an opened upload. Zip containers are indexed once; everything
// else is re-opened for each streaming pass.
type Source struct {
	Path string
	Name string
	Size int64

	head []byte
	zip  *zip.ReadCloser

	read     atomic.Int64
	expected atomic.Int64
}

// OpenSource opens path and indexes it if it is a zip. Any failure to open,
// stat, read or index the container is a CorruptArchive error.
func OpenSource(p string) (*Source, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, archive.Wrap(archive.KindCorruptArchive, "open source", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, archive.Wrap(archive.KindCorruptArchive, "stat source", err)
	}
	if !info.Mode().IsRegular() {
		return nil, archive.Errorf(archive.KindCorruptArchive, "%s is not a regular file", filepath.Base(p))
	}

	head := make([]byte, HeadSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, archive.Wrap(archive.KindCorruptArchive, "read source", err)
	}

	s := &Source{
		Path: p,
		Name: filepath.Base(p),
		Size: info.Size(),
		head: head[:n],
	}
	s.expected.Store(info.Size())

	if isZip(s.head) {
		zr, err := zip.OpenReader(p)
		if err != nil {
			return nil, archive.Wrap(archive.KindCorruptArchive, "open zip", err)
		}
		s.zip = zr
		var total int64
		for _, m := range zr.File {
			total += int64(m.UncompressedSize64)
		}
		s.expected.Store(total)
	}
	return s, nil
}

func isZip(head []byte) bool {
	for _, m := range zipMagic {
		if bytes.HasPrefix(head, m) {
			return true
		}
	}
	return false
}

// Close releases the zip index, if any.
func (s *Source) Close() error {
	if s.zip != nil {
		return s.zip.Close()
	}
	return nil
}

// IsZip reports whether the upload is a zip container.
func (s *Source) IsZip() bool { return s.zip != nil }

// Head returns up to HeadSize leading bytes of the raw file.
func (s *Source) Head() []byte { return s.head }

// Dir is the directory holding the upload, used to resolve relative media.
func (s *Source) Dir() string { return filepath.Dir(s.Path) }

// Members lists zip members in name order, skipping directories.
func (s *Source) Members() []*zip.File {
	if s.zip == nil {
		return nil
	}
	out := make([]*zip.File, 0, len(s.zip.File))
	for _, f := range s.zip.File {
		if f.FileInfo().IsDir() {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindMember returns the first member, in name order, matching pred.
func (s *Source) FindMember(pred func(name string) bool) *zip.File {
	for _, f := range s.Members() {
		if pred(f.Name) {
			return f
		}
	}
	return nil
}

// MemberByBase finds a member whose base name equals base.
func (s *Source) MemberByBase(base string) *zip.File {
	return s.FindMember(func(name string) bool { return path.Base(name) == base })
}

// ResolveMember finds a member by exact name, then by path suffix, then by
// base-name prefix (exports that name files "<file-id>-<original>").
func (s *Source) ResolveMember(ref string) *zip.File {
	if s.zip == nil || ref == "" {
		return nil
	}
	ref = strings.TrimPrefix(path.Clean("/"+ref), "/")
	members := s.Members()
	for _, f := range members {
		if f.Name == ref {
			return f
		}
	}
	for _, f := range members {
		if strings.HasSuffix(f.Name, "/"+ref) {
			return f
		}
	}
	if !strings.Contains(ref, "/") {
		for _, f := range members {
			if strings.HasPrefix(path.Base(f.Name), ref) {
				return f
			}
		}
	}
	return nil
}

// MemberHead reads up to HeadSize bytes of a member for probing.
func MemberHead(f *zip.File) []byte {
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	buf := make([]byte, HeadSize)
	n, _ := io.ReadFull(rc, buf)
	return buf[:n]
}

// OpenRaw opens the raw upload for a streaming pass. Reads count toward
// progress.
func (s *Source) OpenRaw() (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, archive.Wrap(archive.KindCorruptArchive, "reopen source", err)
	}
	return &countingReader{rc: f, n: &s.read}, nil
}

// OpenMember opens a zip member for a streaming pass. Reads count toward
// progress.
func (s *Source) OpenMember(f *zip.File) (io.ReadCloser, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, archive.Wrap(archive.KindCorruptArchive, fmt.Sprintf("open member %s", f.Name), err)
	}
	return &countingReader{rc: rc, n: &s.read}, nil
}

// Expect sets the byte total that progress is measured against. Parsers
// call it once they know which members they will read.
func (s *Source) Expect(n int64) {
	if n > 0 {
		s.expected.Store(n)
	}
}

// Progress is the fraction of expected bytes consumed so far.
func (s *Source) Progress() float64 {
	exp := s.expected.Load()
	if exp <= 0 {
		return 0
	}
	p := float64(s.read.Load()) / float64(exp)
	if p > 1 {
		p = 1
	}
	return p
}

type countingReader struct {
	rc io.ReadCloser
	n  *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) Close() error { return c.rc.Close() }
