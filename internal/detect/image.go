package detect

import (
	"fmt"
	"image"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ReadError reports an image that could not be opened or decoded.
// The CLI maps it to its only non-zero exit code.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("unreadable image %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// LoadImage opens and decodes path into a pixel grid.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	return img, nil
}
