//go:build linux

package render

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Gradient fills the whole back buffer with a horizontal color sweep.
// Useful for eyeballing channel order and dithering on real panels.
func Gradient(d Surface) error {
	if d.BackBuffer() == nil {
		return fmt.Errorf("render: display %s is offline", d.Node())
	}

	buf := d.Buffer()
	for x := 0; x < buf.Width; x++ {
		v := uint8(x * 255 / max(buf.Width-1, 1))
		if err := Fill(d, image.Rect(x, 0, x+1, buf.Height), v, v, 255-v); err != nil {
			return err
		}
	}
	return nil
}

// Card renders the given text lines onto a dark card centered in the
// display and blits it. The card is drawn into an intermediate NRGBA
// image so the text path never needs to know the device format.
func Card(d Surface, lines []string) error {
	buf := d.Buffer()
	if buf.Data == nil {
		return fmt.Errorf("render: display %s is offline", d.Node())
	}

	face := basicfont.Face7x13
	pad := 16
	w := 0
	for _, line := range lines {
		if lw := font.MeasureString(face, line).Ceil(); lw > w {
			w = lw
		}
	}
	w += 2 * pad
	h := len(lines)*face.Height + 2*pad

	card := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(card, card.Bounds(), image.NewUniform(color.NRGBA{R: 24, G: 24, B: 32, A: 255}), image.Point{}, draw.Src)

	dr := &font.Drawer{
		Dst:  card,
		Src:  image.NewUniform(color.NRGBA{R: 220, G: 220, B: 220, A: 255}),
		Face: face,
	}
	for i, line := range lines {
		dr.Dot = fixed.P(pad, pad+face.Ascent+i*face.Height)
		dr.DrawString(line)
	}

	pt := image.Pt((buf.Width-w)/2, (buf.Height-h)/2)
	return Blit(d, card, pt)
}
