//go:build linux

package fbdev

// Constants from <linux/fb.h>.
const (
	FBIOGET_VSCREENINFO = 0x4600
	FBIOPUT_VSCREENINFO = 0x4601
	FBIOGET_FSCREENINFO = 0x4602
	FBIOPAN_DISPLAY     = 0x4606
	FBIOBLANK           = 0x4611

	FB_ACTIVATE_NOW   = 0x0
	FB_ACTIVATE_VBL   = 0x10
	FB_ACTIVATE_FORCE = 0x80

	FB_VISUAL_MONO01            = 0x0
	FB_VISUAL_MONO10            = 0x1
	FB_VISUAL_TRUECOLOR         = 0x2
	FB_VISUAL_PSEUDOCOLOR       = 0x3
	FB_VISUAL_DIRECTCOLOR       = 0x4
	FB_VISUAL_STATIC_PSEUDOCOLOR = 0x5

	FB_BLANK_UNBLANK       = 0
	FB_BLANK_NORMAL        = 1
	FB_BLANK_VSYNC_SUSPEND = 2
	FB_BLANK_HSYNC_SUSPEND = 3
	FB_BLANK_POWERDOWN     = 4
)

// BitField describes the position of one color channel inside a pixel.
type BitField struct {
	Offset uint32
	Length uint32
	Right  uint32
}

// VarScreeninfo mirrors struct fb_var_screeninfo. All fields are u32, so
// the layout is identical on every Linux architecture (160 bytes).
type VarScreeninfo struct {
	XRes         uint32
	YRes         uint32
	XResVirtual  uint32
	YResVirtual  uint32
	XOffset      uint32
	YOffset      uint32
	BitsPerPixel uint32
	Grayscale    uint32
	Red          BitField
	Green        BitField
	Blue         BitField
	Transp       BitField
	NonStd       uint32
	Activate     uint32
	Height       uint32
	Width        uint32
	AccelFlags   uint32
	PixClock     uint32
	LeftMargin   uint32
	RightMargin  uint32
	UpperMargin  uint32
	LowerMargin  uint32
	HSyncLen     uint32
	VSyncLen     uint32
	Sync         uint32
	VMode        uint32
	Rotate       uint32
	Colorspace   uint32
	Reserved     [4]uint32
}

// FixScreeninfo mirrors struct fb_fix_screeninfo for LP64 targets
// (unsigned long is 8 bytes). The kernel writes the whole struct on
// FBIOGET_FSCREENINFO, so the pads must match exactly.
type FixScreeninfo struct {
	ID           [16]byte
	SmemStart    uint64
	SmemLen      uint32
	Type         uint32
	TypeAux      uint32
	Visual       uint32
	XPanStep     uint16
	YPanStep     uint16
	YWrapStep    uint16
	_            [2]byte
	LineLength   uint32
	_            [4]byte
	MMIOStart    uint64
	MMIOLen      uint32
	Accel        uint32
	Capabilities uint16
	Reserved     [2]uint16
	_            [2]byte
}

// IDString returns the NUL-trimmed identification string, e.g. "udlfb".
func (f *FixScreeninfo) IDString() string {
	for i, b := range f.ID {
		if b == 0 {
			return string(f.ID[:i])
		}
	}
	return string(f.ID[:])
}
