package port

import "context"

// ImageDescriber is a vision-capable inference provider answering a single
// (prompt, image) pair with text.
type ImageDescriber interface {
	Describe(ctx context.Context, imagePath string, prompt string) (string, error)
	Name() string
}
