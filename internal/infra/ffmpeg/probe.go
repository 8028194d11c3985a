package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/thekingoffamily/TSOS/internal/domain/fault"
)

type probeInfo struct {
	Width       int
	Height      int
	FPS         float64
	TotalFrames int
}

// probeVideo reads the dimensions, frame rate and frame count of the first
// video stream. nb_frames is not stored in every container; when it is
// absent the count is estimated from the stream duration.
func probeVideo(ctx context.Context, videoPath string) (*probeInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,nb_frames,duration",
		"-of", "default=noprint_wrappers=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fault.Wrap(fault.KindDecodeFailed, "cannot open video file", err)
	}

	info := &probeInfo{}
	var streamDuration float64
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || value == "N/A" {
			continue
		}
		switch key {
		case "width":
			info.Width, _ = strconv.Atoi(value)
		case "height":
			info.Height, _ = strconv.Atoi(value)
		case "r_frame_rate":
			info.FPS = parseFrameRate(value)
		case "nb_frames":
			info.TotalFrames, _ = strconv.Atoi(value)
		case "duration":
			streamDuration, _ = strconv.ParseFloat(value, 64)
		}
	}

	if info.Width <= 0 || info.Height <= 0 {
		return nil, fault.New(fault.KindDecodeFailed,
			fmt.Sprintf("no decodable video stream in %s", videoPath))
	}
	if info.TotalFrames == 0 && streamDuration > 0 && info.FPS > 0 {
		info.TotalFrames = int(streamDuration * info.FPS)
	}
	return info, nil
}

// parseFrameRate parses ffprobe's rational rate form, e.g. "24/1".
func parseFrameRate(value string) float64 {
	num, den, ok := strings.Cut(value, "/")
	if !ok {
		fps, _ := strconv.ParseFloat(value, 64)
		return fps
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
