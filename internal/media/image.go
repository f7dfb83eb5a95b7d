package media

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const thumbSuffix = ".thumb.jpg"

// ImageInfo is what decoding an image yields.
type ImageInfo struct {
	Width  int
	Height int
	// PHash is a 64-bit difference hash, hex encoded.
	PHash string
}

// inspectImage decodes the image at path and computes its dimensions and
// perceptual hash.
func inspectImage(path string) (*ImageInfo, image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	return &ImageInfo{Width: b.Dx(), Height: b.Dy(), PHash: DHash(img)}, img, nil
}

// DHash computes the 64-bit difference hash of img: the image is reduced to
// 9x8 grayscale and each bit records whether a pixel is brighter than its
// right neighbour. Near-duplicate images differ in few bits.
func DHash(img image.Image) string {
	small := imaging.Resize(imaging.Grayscale(img), 9, 8, imaging.Lanczos)
	var h uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := small.Pix[small.PixOffset(x, y)]
			right := small.Pix[small.PixOffset(x+1, y)]
			h <<= 1
			if left > right {
				h |= 1
			}
		}
	}
	return fmt.Sprintf("%016x", h)
}

// HammingDistance counts differing bits between two hex hashes. Malformed
// input yields 64.
func HammingDistance(a, b string) int {
	x, err1 := strconv.ParseUint(a, 16, 64)
	y, err2 := strconv.ParseUint(b, 16, 64)
	if err1 != nil || err2 != nil {
		return 64
	}
	d := 0
	for v := x ^ y; v != 0; v &= v - 1 {
		d++
	}
	return d
}

// writeImageThumbnail scales img to fit a size x size box and writes a JPEG.
func writeImageThumbnail(img image.Image, size int, dst string) error {
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)
	if err := imaging.Save(thumb, dst, imaging.JPEGQuality(80)); err != nil {
		os.Remove(dst)
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}

var ffmpegDuration = regexp.MustCompile(`Duration: (\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// videoTool grabs a frame from videos with ffmpeg when it is installed.
type videoTool struct {
	bin string
}

func newVideoTool(bin string) *videoTool {
	if bin == "" {
		return nil
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil
	}
	return &videoTool{bin: bin}
}

// thumbnail writes a frame one second in, scaled to size wide, and returns
// the duration ffmpeg reported.
func (v *videoTool) thumbnail(ctx context.Context, src, dst string, size int) (time.Duration, error) {
	args := []string{
		"-y", "-ss", "1", "-i", src,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", size),
		"-q:v", "4",
		dst,
	}
	out, err := exec.CommandContext(ctx, v.bin, args...).CombinedOutput()
	dur := parseFFmpegDuration(string(out))
	if err != nil {
		os.Remove(dst)
		return dur, fmt.Errorf("ffmpeg thumbnail failed: %w; out=%s", err, lastLine(string(out)))
	}
	if _, serr := os.Stat(dst); serr != nil {
		return dur, fmt.Errorf("ffmpeg produced no frame; out=%s", lastLine(string(out)))
	}
	return dur, nil
}

func parseFFmpegDuration(out string) time.Duration {
	m := ffmpegDuration.FindStringSubmatch(out)
	if m == nil {
		return 0
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, _ := strconv.ParseFloat(m[3], 64)
	return time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec*float64(time.Second))
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
