package port

import "context"

type SamplingResult struct {
	FramePaths      []string
	TotalFrames     int
	DurationSeconds float64
}

// FrameSampler selects up to maxFrames motion-bearing frames from a local
// video file and saves them as images under outputDir.
type FrameSampler interface {
	SampleFrames(ctx context.Context, videoPath string, outputDir string, maxFrames int) (*SamplingResult, error)
}
