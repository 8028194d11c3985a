package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thekingoffamily/TSOS/internal/domain/fault"
	"github.com/thekingoffamily/TSOS/internal/domain/port"
)

const (
	defaultFPS = 24.0

	// smoothingSigma matches a 21x21 Gaussian kernel with sigma derived
	// from the kernel size: 0.3*((21-1)*0.5 - 1) + 0.8.
	smoothingSigma = 3.5

	// pixelDiffThreshold binarizes the frame difference: a pixel counts as
	// moved when its intensity change exceeds this value.
	pixelDiffThreshold = 25

	jpegQuality = 90
)

// Sampler decodes a video with ffmpeg and keeps the frames whose motion
// score crosses the configured threshold, at most one per second of
// footage.
type Sampler struct {
	motionThreshold float64
	logger          *zap.Logger
}

func NewSampler(motionThreshold float64, logger *zap.Logger) *Sampler {
	return &Sampler{motionThreshold: motionThreshold, logger: logger}
}

func (s *Sampler) SampleFrames(ctx context.Context, videoPath string, outputDir string, maxFrames int) (*port.SamplingResult, error) {
	info, err := probeVideo(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	fps := info.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	duration := float64(info.TotalFrames) / fps

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-i", videoPath,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open decode pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.KindDecodeFailed, "cannot open video file", err)
	}

	framePaths, framesRead, scanErr := s.scanFrames(stdout, info.Width, info.Height, fps, maxFrames, outputDir)

	// The scan may stop before the stream ends (frame budget reached), so
	// a decoder exit error only matters when nothing was read at all.
	io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if scanErr != nil {
		return nil, scanErr
	}
	if waitErr != nil && framesRead == 0 {
		return nil, fault.Wrap(fault.KindDecodeFailed,
			fmt.Sprintf("ffmpeg decode failed: %s", stderr.String()), waitErr)
	}

	s.logger.Info("frame sampling finished",
		zap.Int("sampled", len(framePaths)),
		zap.Int("total_frames", info.TotalFrames),
		zap.Float64("fps", fps),
		zap.Float64("duration_seconds", duration),
	)

	return &port.SamplingResult{
		FramePaths:      framePaths,
		TotalFrames:     info.TotalFrames,
		DurationSeconds: duration,
	}, nil
}

// scanFrames reads raw RGB frames from r and saves motion candidates until
// maxFrames have been written. A frame qualifies when its movement score
// exceeds the threshold and its 1-based index is a multiple of the rounded
// frame rate, which throttles sampling to about one frame per second.
func (s *Sampler) scanFrames(r io.Reader, width, height int, fps float64, maxFrames int, outputDir string) ([]string, int, error) {
	cadence := int(math.Round(fps))
	if cadence < 1 {
		cadence = 1
	}

	frameSize := width * height * 3
	buf := make([]byte, frameSize)

	var prev *image.NRGBA
	var saved []string
	frameIndex := 0

	for len(saved) < maxFrames {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return saved, frameIndex, fmt.Errorf("read frame %d: %w", frameIndex+1, err)
		}
		frameIndex++

		frame := rgbToNRGBA(buf, width, height)
		smoothed := imaging.Blur(imaging.Grayscale(frame), smoothingSigma)

		if prev == nil {
			prev = smoothed
			continue
		}

		score := movementScore(prev, smoothed)
		if score > s.motionThreshold && frameIndex%cadence == 0 {
			framePath := filepath.Join(outputDir, uuid.New().String()+".jpg")
			if err := imaging.Save(frame, framePath, imaging.JPEGQuality(jpegQuality)); err != nil {
				return saved, frameIndex, fmt.Errorf("save frame %d: %w", frameIndex, err)
			}
			saved = append(saved, framePath)
			s.logger.Debug("motion frame saved",
				zap.Int("frame_index", frameIndex),
				zap.Float64("score", score),
			)
		}
		prev = smoothed
	}

	return saved, frameIndex, nil
}

// movementScore is the mean of the thresholded absolute difference between
// two smoothed grayscale frames: changed pixels contribute 255, the rest 0.
func movementScore(prev, cur *image.NRGBA) float64 {
	bounds := cur.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return 0
	}

	changed := 0
	for i := 0; i < len(cur.Pix); i += 4 {
		diff := int(cur.Pix[i]) - int(prev.Pix[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > pixelDiffThreshold {
			changed++
		}
	}
	return float64(changed) * 255.0 / float64(total)
}

func rgbToNRGBA(raw []byte, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(raw); i, j = i+3, j+4 {
		img.Pix[j] = raw[i]
		img.Pix[j+1] = raw[i+1]
		img.Pix[j+2] = raw[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
