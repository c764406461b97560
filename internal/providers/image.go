package providers

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/petrelhq/petrel/pkg/models"
)

const (
	// maxImageEdge is the longest edge vision endpoints resolve usefully;
	// anything larger is downscaled proportionally before send.
	maxImageEdge = 1568

	// maxImageBytes caps the decoded payload accepted by providers.
	maxImageBytes = 5 * 1024 * 1024
)

// PrepareImages downscales oversized inline images in place. It runs on the
// cloned history prepared for one send, so stored messages keep their
// originals. Images that fail to decode pass through untouched.
func PrepareImages(messages []*models.Message) {
	for _, msg := range messages {
		for i := range msg.Blocks {
			b := &msg.Blocks[i]
			if b.Type != models.BlockImage || b.Source == nil {
				continue
			}
			prepareImage(b.Source)
		}
	}
}

func prepareImage(src *models.ImageSource) {
	raw, err := base64.StdEncoding.DecodeString(src.Data)
	if err != nil {
		return
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if len(raw) <= maxImageBytes && width <= maxImageEdge && height <= maxImageEdge {
		return
	}

	edge := maxImageEdge
	if long := max(width, height); long < edge {
		edge = long
	}

	// Halve until the encoded payload fits; bounded so a pathological
	// image cannot loop forever.
	for {
		resized := resizeToEdge(img, edge)
		var buf bytes.Buffer
		if err := png.Encode(&buf, resized); err != nil {
			return
		}
		if buf.Len() <= maxImageBytes || edge <= 64 {
			src.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
			src.MediaType = "image/png"
			return
		}
		edge /= 2
	}
}

func resizeToEdge(img image.Image, edge int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	var newWidth, newHeight int
	if width > height {
		newWidth = edge
		newHeight = height * edge / width
	} else {
		newHeight = edge
		newWidth = width * edge / height
	}
	newWidth = max(newWidth, 1)
	newHeight = max(newHeight, 1)
	if newWidth == width && newHeight == height {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
