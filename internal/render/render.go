//go:build linux

// Package render writes pixels into an online display's back buffer in
// whatever format was negotiated at activation: per-channel bit packing
// for the general case, a straight 4-byte store for the XRGB32 layout,
// and ordered dithering for 16 bpp panels.
package render

import (
	"fmt"
	"image"

	"fbvid/internal/video"
)

// Surface is the subset of the display the renderer needs. *video.Display
// satisfies it; tests supply an in-memory implementation.
type Surface interface {
	Node() string
	BackBuffer() []byte
	Buffer() *video.Buffer
	Dithering() bool
}

// bayer4 is the 4x4 ordered-dither threshold matrix, scaled 0..15.
var bayer4 = [4][4]uint16{
	{0, 8, 2, 10},
	{12, 4, 14, 6},
	{3, 11, 1, 9},
	{15, 7, 13, 5},
}

// Fill paints the given rectangle of the back buffer with a solid color.
// The rectangle is clipped to the display resolution. Offline displays
// are rejected.
func Fill(d Surface, rect image.Rectangle, r, g, b uint8) error {
	dst := d.BackBuffer()
	if dst == nil {
		return fmt.Errorf("render: display %s is offline", d.Node())
	}

	buf := d.Buffer()
	rect = rect.Intersect(image.Rect(0, 0, buf.Width, buf.Height))
	if rect.Empty() {
		return nil
	}

	f := &buf.Format
	dither := d.Dithering() && f.BytesPerPixel == 2

	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := dst[y*buf.Stride:]
		for x := rect.Min.X; x < rect.Max.X; x++ {
			putPixel(row[x*f.BytesPerPixel:], f, r, g, b, x, y, dither)
		}
	}
	return nil
}

// Blit copies img into the back buffer with its top-left corner at pt,
// clipped to the display resolution. Alpha is ignored; the image is
// treated as opaque.
func Blit(d Surface, img *image.NRGBA, pt image.Point) error {
	dst := d.BackBuffer()
	if dst == nil {
		return fmt.Errorf("render: display %s is offline", d.Node())
	}

	buf := d.Buffer()
	bounds := img.Bounds()
	target := image.Rectangle{Min: pt, Max: pt.Add(bounds.Size())}.
		Intersect(image.Rect(0, 0, buf.Width, buf.Height))
	if target.Empty() {
		return nil
	}

	f := &buf.Format
	dither := d.Dithering() && f.BytesPerPixel == 2

	for y := target.Min.Y; y < target.Max.Y; y++ {
		row := dst[y*buf.Stride:]
		srcY := bounds.Min.Y + (y - pt.Y)
		for x := target.Min.X; x < target.Max.X; x++ {
			srcX := bounds.Min.X + (x - pt.X)
			off := img.PixOffset(srcX, srcY)
			r := img.Pix[off]
			g := img.Pix[off+1]
			b := img.Pix[off+2]
			putPixel(row[x*f.BytesPerPixel:], f, r, g, b, x, y, dither)
		}
	}
	return nil
}

// putPixel stores one pixel at the start of p in the negotiated format.
func putPixel(p []byte, f *video.Format, r, g, b uint8, x, y int, dither bool) {
	if f.XRGB32 {
		// Little-endian 0x00RRGGBB.
		p[0] = b
		p[1] = g
		p[2] = r
		p[3] = 0
		return
	}

	if dither {
		r, g, b = ditherChannel(r, f.LenR, x, y),
			ditherChannel(g, f.LenG, x, y),
			ditherChannel(b, f.LenB, x, y)
	}

	pix := uint32(r)>>(8-f.LenR)<<f.OffR |
		uint32(g)>>(8-f.LenG)<<f.OffG |
		uint32(b)>>(8-f.LenB)<<f.OffB

	switch f.BytesPerPixel {
	case 4:
		p[0] = byte(pix)
		p[1] = byte(pix >> 8)
		p[2] = byte(pix >> 16)
		p[3] = byte(pix >> 24)
	case 2:
		p[0] = byte(pix)
		p[1] = byte(pix >> 8)
	}
}

// ditherChannel adds the ordered-dither threshold scaled to the bits the
// channel is about to lose, saturating at 255.
func ditherChannel(v uint8, length uint32, x, y int) uint8 {
	if length >= 8 {
		return v
	}
	drop := 8 - length
	// Threshold range is one quantization step.
	t := bayer4[y&3][x&3] << drop >> 4
	sum := uint16(v) + t
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}
