package ffmpeg

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testWidth  = 64
	testHeight = 48
)

// rawFrame renders one RGB24 frame with an optional white vertical bar.
func rawFrame(barX, barWidth int) []byte {
	buf := make([]byte, testWidth*testHeight*3)
	if barWidth == 0 {
		return buf
	}
	for y := 0; y < testHeight; y++ {
		for x := barX; x < barX+barWidth && x < testWidth; x++ {
			if x < 0 {
				continue
			}
			off := (y*testWidth + x) * 3
			buf[off] = 0xff
			buf[off+1] = 0xff
			buf[off+2] = 0xff
		}
	}
	return buf
}

// stream builds a raw video of frameCount frames where barAt reports the
// bar position for each 1-based frame index, or a negative value for a
// plain black frame.
func stream(frameCount int, barAt func(i int) int) *bytes.Buffer {
	var buf bytes.Buffer
	for i := 1; i <= frameCount; i++ {
		x := barAt(i)
		if x < 0 {
			buf.Write(rawFrame(0, 0))
		} else {
			buf.Write(rawFrame(x, 12))
		}
	}
	return &buf
}

func TestScanFramesSingleMotionBurst(t *testing.T) {
	// 10 seconds at 24 fps with one moving burst around second 5: the only
	// frame index that is both inside the burst and a multiple of the
	// rounded fps is 120.
	s := NewSampler(2.0, zaptest.NewLogger(t))

	src := stream(240, func(i int) int {
		if i >= 110 && i <= 130 {
			return (i - 110) * 2
		}
		return -1
	})

	saved, framesRead, err := s.scanFrames(src, testWidth, testHeight, 24.0, 5, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 240, framesRead)
	assert.Len(t, saved, 1)
}

func TestScanFramesStaticVideoYieldsNothing(t *testing.T) {
	s := NewSampler(2.0, zaptest.NewLogger(t))

	src := stream(240, func(int) int { return -1 })

	saved, framesRead, err := s.scanFrames(src, testWidth, testHeight, 24.0, 5, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 240, framesRead)
	assert.Empty(t, saved)
}

func TestScanFramesStopsAtMaxFrames(t *testing.T) {
	s := NewSampler(2.0, zaptest.NewLogger(t))

	// constant motion for the whole clip
	src := stream(240, func(i int) int { return (i * 2) % 40 })

	saved, framesRead, err := s.scanFrames(src, testWidth, testHeight, 24.0, 3, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, saved, 3)
	// the scan stops early once the budget is filled
	assert.Less(t, framesRead, 240)
}

func TestScanFramesShortVideo(t *testing.T) {
	// fewer frames than one second of footage: no index can be a multiple
	// of the rounded fps, so zero candidates is the valid outcome.
	s := NewSampler(2.0, zaptest.NewLogger(t))

	src := stream(12, func(i int) int { return (i * 2) % 40 })

	saved, framesRead, err := s.scanFrames(src, testWidth, testHeight, 24.0, 5, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 12, framesRead)
	assert.Empty(t, saved)
}

func TestScanFramesEmptyStream(t *testing.T) {
	s := NewSampler(2.0, zaptest.NewLogger(t))

	saved, framesRead, err := s.scanFrames(bytes.NewReader(nil), testWidth, testHeight, 24.0, 5, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, framesRead)
	assert.Empty(t, saved)
}

func uniformGray(value uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, testWidth, testHeight))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = value
		img.Pix[i+1] = value
		img.Pix[i+2] = value
		img.Pix[i+3] = 0xff
	}
	return img
}

func TestMovementScore(t *testing.T) {
	// every pixel changed by more than the binarization threshold
	assert.InDelta(t, 255.0, movementScore(uniformGray(0), uniformGray(60)), 0.001)

	// change below the threshold counts as no movement
	assert.Zero(t, movementScore(uniformGray(100), uniformGray(110)))

	assert.Zero(t, movementScore(uniformGray(42), uniformGray(42)))
}
