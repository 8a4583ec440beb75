package runner

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	// Decoders for the source image formats visualization supports.
	_ "image/jpeg"

	"github.com/mizuno-lab/segeval/internal/model"
)

// SaveOverlay blends the predicted mask's palette colors over the source
// image at the given opacity and writes the result as a PNG into dir,
// named after the source image.
//
// Pixels whose class has no palette entry are left unpainted. The mask and
// the source image must agree on dimensions.
func SaveOverlay(dir, imagePath string, r *model.Result, palette []model.Color, opacity float64) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("overlay: cannot open source image: %w", err)
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("overlay: cannot decode %s: %w", imagePath, err)
	}

	bounds := src.Bounds()
	if bounds.Dx() != r.Width || bounds.Dy() != r.Height {
		return fmt.Errorf("overlay: image %s is %dx%d but mask is %dx%d",
			imagePath, bounds.Dx(), bounds.Dy(), r.Width, r.Height)
	}

	mask, err := r.Mask()
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	if len(mask) != r.Width*r.Height {
		return fmt.Errorf("overlay: result %d has a %d-pixel mask for %dx%d dimensions",
			r.Index, len(mask), r.Width, r.Height)
	}

	out := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			sr, sg, sb, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// RGBA returns 16-bit channels; scale down to 8-bit.
			r8, g8, b8 := float64(sr>>8), float64(sg>>8), float64(sb>>8)

			cls := mask[y*r.Width+x]
			if int(cls) < len(palette) {
				c := palette[cls]
				r8 = r8*(1-opacity) + float64(c[0])*opacity
				g8 = g8*(1-opacity) + float64(c[1])*opacity
				b8 = b8*(1-opacity) + float64(c[2])*opacity
			}

			i := out.PixOffset(x, y)
			out.Pix[i+0] = uint8(r8)
			out.Pix[i+1] = uint8(g8)
			out.Pix[i+2] = uint8(b8)
			out.Pix[i+3] = 0xff
		}
	}

	base := filepath.Base(imagePath)
	name := base[:len(base)-len(filepath.Ext(base))] + ".png"

	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	if err := png.Encode(dst, out); err != nil {
		dst.Close()
		return fmt.Errorf("overlay: encoding %s: %w", name, err)
	}
	return dst.Close()
}
