package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/config"
	"github.com/fyrsmithlabs/archivist/internal/conversation"
	"github.com/fyrsmithlabs/archivist/internal/store"
)

// Result is the outcome of extracting one media ref.
type Result struct {
	Asset *archive.MediaAsset
	// Deduplicated is true when the content was already stored.
	Deduplicated bool
	// Deferred is true for url refs left for a later pass.
	Deferred bool
	// BytesWritten is the number of new bytes committed to the blob store.
	BytesWritten int64
}

// Service extracts, stores, serves and garbage-collects media assets.
type Service struct {
	cfg     *Config
	blobs   *Blobs
	store   *store.Store
	fetcher *Fetcher
	video   *videoTool
	logger  *zap.Logger
	locks   keyedMutex
}

// NewService creates the blob root and returns a media service.
func NewService(cfg *Config, st *store.Store, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("media: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := config.ExpandPath(cfg.Root)
	if err != nil {
		return nil, err
	}
	blobs, err := NewBlobs(root)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:    cfg,
		blobs:  blobs,
		store:  st,
		video:  newVideoTool(cfg.FFmpegPath),
		logger: logger.Named("media"),
	}
	if cfg.FetchURLs {
		s.fetcher = NewFetcher(nil, cfg.FetchRate, cfg.FetchBurst)
	}
	if s.video == nil {
		s.logger.Info("ffmpeg not found, video thumbnails disabled", zap.String("ffmpeg_path", cfg.FFmpegPath))
	}
	return s, nil
}

// Fetcher returns the shared remote fetcher, or nil when remote fetching is
// disabled.
func (s *Service) Fetcher() *Fetcher { return s.fetcher }

// Extract resolves ref's pointer, stores the content once per checksum and
// records the outcome on the ref. Per-asset problems (missing member,
// undecodable bytes, timeout) come back as ExtractionFailed and leave the
// ref failed; disk and database failures are StorageFailure.
func (s *Service) Extract(ctx context.Context, ref *archive.MediaRef, r Resolver) (*Result, error) {
	start := time.Now()
	defer func() { ExtractionDuration.Observe(time.Since(start).Seconds()) }()

	ectx, cancel := context.WithTimeout(ctx, s.cfg.ExtractTimeout.Duration())
	res, err := s.extract(ectx, ref, r)
	cancel()

	switch {
	case err == nil:
		ref.Status = archive.RefExtracted
		ref.Checksum = res.Asset.Checksum
		ref.MediaType = res.Asset.Type
		ref.Error = ""
		if res.Deduplicated {
			ExtractionsTotal.WithLabelValues("deduplicated").Inc()
		} else {
			ExtractionsTotal.WithLabelValues("extracted").Inc()
		}
	case errors.Is(err, ErrDeferred):
		ref.Status = archive.RefDeferred
		ref.Error = ""
		res, err = &Result{Deferred: true}, nil
		ExtractionsTotal.WithLabelValues("deferred").Inc()
	case isStorageFailure(err):
		return nil, err
	default:
		ref.Status = archive.RefFailed
		ref.Error = truncateErr(err)
		err = archive.Wrap(archive.KindExtractionFailed, "extract "+ref.PointerRef, err)
		ExtractionsTotal.WithLabelValues("failed").Inc()
		s.logger.Debug("media extraction failed",
			zap.String("archive_id", ref.ArchiveID),
			zap.String("ref_id", ref.ID),
			zap.Error(err))
	}

	if uerr := s.store.Media().UpdateRef(ctx, ref); uerr != nil {
		return nil, uerr
	}
	return res, err
}

func (s *Service) extract(ctx context.Context, ref *archive.MediaRef, r Resolver) (*Result, error) {
	ptr := conversation.MediaPointer{
		Kind: conversation.PointerKind(ref.PointerKind),
		Ref:  ref.PointerRef,
		Name: ref.Name,
		Type: conversation.MediaType(ref.MediaType),
	}
	rc, err := r.Open(ctx, ptr)
	if err != nil {
		return nil, err
	}
	staged, err := s.blobs.Stage(&ctxReader{ctx: ctx, r: rc}, s.cfg.MaxAssetBytes)
	rc.Close()
	if err != nil {
		return nil, err
	}
	if staged.Size == 0 {
		staged.Discard()
		return nil, errors.New("empty payload")
	}

	unlock := s.locks.lock(staged.Checksum)
	defer unlock()

	existing, err := s.store.Media().FindAsset(ctx, staged.Checksum)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		staged.Discard()
		return nil, err
	}
	if existing != nil {
		if s.blobs.Exists(existing.Checksum) {
			staged.Discard()
			return &Result{Asset: existing, Deduplicated: true}, nil
		}
		// The row survived a lost blob; restore the file.
		written, err := s.blobs.Commit(staged)
		if err != nil {
			return nil, archive.Wrap(archive.KindStorageFailure, "commit blob", err)
		}
		res := &Result{Asset: existing, Deduplicated: true}
		if written {
			res.BytesWritten = existing.Size
			BytesWritten.Add(float64(existing.Size))
		}
		return res, nil
	}

	asset := s.describe(staged, ptr.Type)
	written, err := s.blobs.Commit(staged)
	if err != nil {
		return nil, archive.Wrap(archive.KindStorageFailure, "commit blob", err)
	}
	s.thumbnail(ctx, asset)

	stored, created, err := s.store.Media().InsertAssetIfAbsent(ctx, asset)
	if err != nil {
		return nil, err
	}
	res := &Result{Asset: stored, Deduplicated: !created}
	if written {
		res.BytesWritten = staged.Size
		BytesWritten.Add(float64(staged.Size))
	}
	return res, nil
}

// describe sniffs the staged payload and, for images, reads dimensions and
// the perceptual hash. Failures leave the optional fields empty.
func (s *Service) describe(staged *Staged, hint conversation.MediaType) *archive.MediaAsset {
	asset := &archive.MediaAsset{
		Checksum:    staged.Checksum,
		Size:        staged.Size,
		StoragePath: Rel(staged.Checksum),
		MIME:        "application/octet-stream",
	}
	if mt, err := mimetype.DetectFile(staged.Path); err == nil {
		asset.MIME = mt.String()
	}
	asset.Type = string(classify(asset.MIME, hint))

	if asset.Type == string(conversation.MediaImage) {
		info, _, err := inspectImage(staged.Path)
		if err != nil {
			s.logger.Debug("image inspection failed", zap.String("checksum", asset.Checksum), zap.Error(err))
		} else {
			asset.Width, asset.Height, asset.PHash = info.Width, info.Height, info.PHash
		}
	}
	return asset
}

// thumbnail generates a thumbnail next to the committed blob. It never
// fails the asset.
func (s *Service) thumbnail(ctx context.Context, asset *archive.MediaAsset) {
	src := s.blobs.Path(asset.Checksum)
	dst := src + thumbSuffix
	var err error
	switch conversation.MediaType(asset.Type) {
	case conversation.MediaImage:
		var img image.Image
		if _, img, err = inspectImage(src); err == nil {
			err = writeImageThumbnail(img, s.cfg.ThumbnailSize, dst)
		}
	case conversation.MediaVideo:
		if s.video == nil {
			return
		}
		var dur time.Duration
		dur, err = s.video.thumbnail(ctx, src, dst, s.cfg.ThumbnailSize)
		asset.DurationMS = dur.Milliseconds()
	default:
		return
	}
	if err != nil {
		ThumbnailFailures.Inc()
		s.logger.Debug("thumbnail generation failed", zap.String("checksum", asset.Checksum), zap.Error(err))
		return
	}
	asset.ThumbnailPath = asset.StoragePath + thumbSuffix
}

// Open returns an asset's content for owner. Owners without a ref to the
// checksum get ErrNotFound, exactly as for content that does not exist.
func (s *Service) Open(ctx context.Context, owner, checksum string) (*archive.MediaAsset, *os.File, error) {
	asset, err := s.visible(ctx, owner, checksum)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.blobs.Abs(asset.StoragePath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, archive.Wrap(archive.KindStorageFailure, "open blob", err)
	}
	return asset, f, nil
}

// OpenThumbnail is Open for the asset's thumbnail.
func (s *Service) OpenThumbnail(ctx context.Context, owner, checksum string) (*archive.MediaAsset, *os.File, error) {
	asset, err := s.visible(ctx, owner, checksum)
	if err != nil {
		return nil, nil, err
	}
	if !asset.HasThumbnail() {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(s.blobs.Abs(asset.ThumbnailPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, archive.Wrap(archive.KindStorageFailure, "open thumbnail", err)
	}
	return asset, f, nil
}

func (s *Service) visible(ctx context.Context, owner, checksum string) (*archive.MediaAsset, error) {
	if owner == "" || ValidChecksum(checksum) != nil {
		return nil, ErrNotFound
	}
	asset, err := s.store.Media().OwnerAsset(ctx, owner, checksum)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return asset, err
}

// RegenerateThumbnails retries thumbnails for an archive's image and video
// assets that have none. It returns how many were generated.
func (s *Service) RegenerateThumbnails(ctx context.Context, archiveID string) (int, error) {
	assets, err := s.store.Media().AssetsWithoutThumbnail(ctx, archiveID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		unlock := s.locks.lock(asset.Checksum)
		if s.blobs.Exists(asset.Checksum) {
			s.thumbnail(ctx, asset)
		}
		unlock()
		if !asset.HasThumbnail() {
			continue
		}
		if err := s.store.Media().SetThumbnail(ctx, asset.Checksum, asset.ThumbnailPath); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info("thumbnails regenerated", zap.String("archive_id", archiveID), zap.Int("count", n))
	}
	return n, nil
}

// GarbageCollect removes the given assets when no ref points at them any
// more. It returns the number of blobs removed and the bytes freed.
func (s *Service) GarbageCollect(ctx context.Context, checksums []string) (int, int64, error) {
	var removed int
	var freed int64
	for _, sum := range checksums {
		if err := ctx.Err(); err != nil {
			return removed, freed, err
		}
		n, err := s.collect(ctx, sum)
		if err != nil {
			return removed, freed, err
		}
		if n >= 0 {
			removed++
			freed += n
		}
	}
	if removed > 0 {
		BlobsCollected.Add(float64(removed))
		s.logger.Info("unreferenced media collected", zap.Int("blobs", removed), zap.Int64("bytes", freed))
	}
	return removed, freed, nil
}

// collect returns the freed size, or -1 when the asset is still referenced.
func (s *Service) collect(ctx context.Context, checksum string) (int64, error) {
	unlock := s.locks.lock(checksum)
	defer unlock()
	asset, err := s.store.Media().DeleteAssetIfUnreferenced(ctx, checksum)
	if err != nil {
		return -1, err
	}
	if asset == nil {
		return -1, nil
	}
	if err := s.blobs.Remove(checksum); err != nil {
		return -1, archive.Wrap(archive.KindStorageFailure, "remove blob", err)
	}
	return asset.Size, nil
}

// classify maps a sniffed MIME type onto a media type. Generic binary
// content falls back to the parser's hint.
func classify(mime string, hint conversation.MediaType) conversation.MediaType {
	base, _, _ := strings.Cut(mime, ";")
	switch {
	case strings.HasPrefix(base, "image/"):
		return conversation.MediaImage
	case strings.HasPrefix(base, "video/"):
		return conversation.MediaVideo
	case strings.HasPrefix(base, "audio/"):
		return conversation.MediaAudio
	}
	if hint != "" && (base == "application/octet-stream" || base == "") {
		return hint
	}
	return conversation.MediaDocument
}

// isStorageFailure reports classified disk or database failures. Anything
// unclassified, and any timeout, stays a per-asset failure.
func isStorageFailure(err error) bool {
	var ae *archive.Error
	return errors.As(err, &ae) && ae.Kind == archive.KindStorageFailure &&
		!errors.Is(err, context.DeadlineExceeded)
}

const maxRefError = 512

func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) <= maxRefError {
		return msg
	}
	cut := maxRefError
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, fmt.Errorf("read aborted: %w", err)
	}
	return c.r.Read(p)
}

// keyedMutex serializes work on one checksum.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
