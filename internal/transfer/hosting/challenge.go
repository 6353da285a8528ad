package hosting

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // verification images are usually GIF
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// challengeScale enlarges verification images so they stay legible in a browser.
const challengeScale = 2

// Challenge is a verification image awaiting operator input.
type Challenge struct {
	// PNG holds the image re-encoded as PNG.
	PNG    []byte
	Format string
	Width  int
	Height int
}

// renderChallenge decodes the downloaded verification image and re-encodes it,
// scaled up, as PNG.
func renderChallenge(data []byte) (Challenge, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Challenge{}, fmt.Errorf("failed to decode verification image: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Empty() {
		return Challenge{}, fmt.Errorf("verification image is empty")
	}

	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx()*challengeScale, bounds.Dy()*challengeScale))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Challenge{}, fmt.Errorf("failed to encode verification image: %w", err)
	}

	return Challenge{
		PNG:    buf.Bytes(),
		Format: format,
		Width:  dst.Bounds().Dx(),
		Height: dst.Bounds().Dy(),
	}, nil
}
