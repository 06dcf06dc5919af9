package fabric

import (
	"image"
	"image/color"
)

// Color is a 0xAARRGGBB pixel.
type Color uint32

const (
	WhiteColor     Color = 0xFFFFFFFF
	LightGreyColor Color = 0xFF989898
	DarkGreyColor  Color = 0xFF4C4C4C
	BlackColor     Color = 0xFF000000
)

// Palette maps 2-bit pixel values to shades, lightest first.
var Palette = [4]Color{WhiteColor, LightGreyColor, DarkGreyColor, BlackColor}

// RGBA splits the color into its components.
func (c Color) RGBA() (r, g, b, a uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c), uint8(c >> 24)
}

type FrameBuffer struct {
	width  uint
	height uint
	buffer []uint32
}

// NewFrameBuffer creates a frame buffer with the specified size.
func NewFrameBuffer(width, height uint) *FrameBuffer {
	return &FrameBuffer{
		width:  width,
		height: height,
		buffer: make([]uint32, width*height),
	}
}

func (fb *FrameBuffer) Width() uint  { return fb.width }
func (fb *FrameBuffer) Height() uint { return fb.height }

func (fb *FrameBuffer) GetPixel(x, y uint) uint32 {
	return fb.buffer[y*fb.width+x]
}

func (fb *FrameBuffer) SetPixel(x, y uint, c Color) {
	fb.buffer[y*fb.width+x] = uint32(c)
}

func (fb *FrameBuffer) ToSlice() []uint32 {
	return fb.buffer
}

// Clone returns a deep copy, to be published while the original keeps
// being drawn on.
func (fb *FrameBuffer) Clone() *FrameBuffer {
	c := &FrameBuffer{width: fb.width, height: fb.height, buffer: make([]uint32, len(fb.buffer))}
	copy(c.buffer, fb.buffer)
	return c
}

// Image converts the frame to an RGBA image.
func (fb *FrameBuffer) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(fb.width), int(fb.height)))
	for y := uint(0); y < fb.height; y++ {
		for x := uint(0); x < fb.width; x++ {
			r, g, b, a := Color(fb.GetPixel(x, y)).RGBA()
			img.SetRGBA(int(x), int(y), color.RGBA{R: r, G: g, B: b, A: a})
		}
	}
	return img
}
