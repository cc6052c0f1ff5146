//go:build linux

package video

import (
	"fmt"
	"time"

	"fbvid/internal/eloop"
	"fbvid/internal/fbdev"
	"fbvid/internal/log"
	"fbvid/internal/model"
)

// Format is the negotiated pixel layout. It is immutable while the
// display is online.
type Format struct {
	BytesPerPixel int

	OffR, LenR uint32
	OffG, LenG uint32
	OffB, LenB uint32

	// DitherR/G/B carry per-channel dithering error state for renderers.
	// Presently always zero.
	DitherR, DitherG, DitherB uint8

	// XRGB32 marks the common packed 32-bit layout (8/8/8 at offsets
	// 16/8/0, 4 bytes per pixel) that renderers can store without
	// shifting per channel.
	XRGB32 bool
}

// Buffer is the memory-mapped pixel storage of an online display.
type Buffer struct {
	Data   []byte
	Len    int
	Stride int
	Width  int
	Height int

	// BufID is the back-buffer index, 0 or 1. Only meaningful while
	// double buffering is enabled.
	BufID int

	Format Format
}

// Display represents one framebuffer device node.
type Display struct {
	video *Video
	dev   device

	finfo fbdev.FixScreeninfo
	vinfo fbdev.VarScreeninfo

	online bool
	dbuf   bool
	dither bool
	dpms   model.DPMS

	mode *model.Mode
	buf  Buffer

	rateMilliHz uint64
	vblankMs    uint64

	intro  *eloop.Idle
	vblank *eloop.Timer
}

// Node returns the device node path.
func (d *Display) Node() string { return d.dev.Node() }

// Online reports whether the display is activated. During system sleep
// this stays true for displays that will be restored by WakeUp, even
// though their mapping is released.
func (d *Display) Online() bool { return d.online }

// Mode returns the display's single mode, or nil before the first
// successful activation.
func (d *Display) Mode() *model.Mode { return d.mode }

// DPMS returns the last successfully applied power state.
func (d *Display) DPMS() model.DPMS { return d.dpms }

// DoubleBuffered reports whether double buffering was negotiated.
func (d *Display) DoubleBuffered() bool { return d.dbuf }

// Dithering reports whether renderers should dither on this display.
func (d *Display) Dithering() bool { return d.dither }

// RateMilliHz returns the derived monitor refresh rate.
func (d *Display) RateMilliHz() uint64 { return d.rateMilliHz }

// VblankInterval returns the pacing period armed after each Swap.
func (d *Display) VblankInterval() time.Duration {
	return time.Duration(d.vblankMs) * time.Millisecond
}

// Buffer returns the current buffer region descriptor.
func (d *Display) Buffer() *Buffer { return &d.buf }

// BackBuffer returns the byte range renderers may write into: the whole
// mapping when single-buffered, otherwise the half selected by the
// back-buffer index. Nil while offline.
func (d *Display) BackBuffer() []byte {
	if !d.online || d.buf.Data == nil {
		return nil
	}
	frame := d.buf.Stride * d.buf.Height
	if d.dbuf && d.buf.BufID == 1 {
		return d.buf.Data[frame : 2*frame]
	}
	return d.buf.Data[:frame]
}

func (d *Display) refreshInfo() error {
	if err := d.dev.FixInfo(&d.finfo); err != nil {
		log.Error("cannot get finfo", err, "node", d.dev.Node())
		return err
	}
	if err := d.dev.VarInfo(&d.vinfo); err != nil {
		log.Error("cannot get vinfo", err, "node", d.dev.Node())
		return err
	}
	return nil
}

// Activate brings the display online against its currently configured
// video mode. fbdev cannot set modes, so mode must be nil; switching
// modes externally (fbset) and re-activating adapts to the new mode.
// Activating an online display is a no-op success.
func (d *Display) Activate(mode *model.Mode) error {
	return d.activateForce(mode, false)
}

// depthFallback is the preference list tried when the device is not
// already in 32 bpp true-color. 24 bpp is deliberately absent: packed
// 3-byte pixels would need per-endianness assembly.
var depthFallback = []uint32{32, 16}

func (d *Display) activateForce(mode *model.Mode, force bool) error {
	if d.video == nil || !d.video.awake {
		return fmt.Errorf("%w: backend is asleep", ErrInvalidArgument)
	}
	if !force && d.online {
		return nil
	}
	if mode != nil {
		return fmt.Errorf("%w: explicit mode setting is not supported", ErrInvalidArgument)
	}

	if err := d.refreshInfo(); err != nil {
		return err
	}

	finfo := &d.finfo
	vinfo := &d.vinfo

	vinfo.XOffset = 0
	vinfo.YOffset = 0
	vinfo.Activate = fbdev.FB_ACTIVATE_NOW | fbdev.FB_ACTIVATE_FORCE
	vinfo.XResVirtual = vinfo.XRes
	vinfo.YResVirtual = vinfo.YRes * 2
	d.dbuf = true

	// Many fbdev drivers (udlfb being the classic case) accept a doubled
	// virtual framebuffer and then only back the real one with memory,
	// so the mapping faults. Double buffering therefore requires the
	// device id to be explicitly allow-listed.
	if !d.video.allowsDoubleBuffer(finfo.IDString()) {
		d.dbuf = false
		vinfo.YResVirtual = vinfo.YRes
	}

	if err := d.dev.PutVarInfo(vinfo); err != nil {
		d.dbuf = false
		vinfo.YResVirtual = vinfo.YRes
		if err := d.dev.PutVarInfo(vinfo); err != nil {
			log.Debug("cannot reset fb offsets", "node", d.dev.Node(), "err", err)
			return err
		}
	}

	if d.dbuf {
		log.Debug("enabling double buffering")
	} else {
		log.Debug("disabling double buffering")
	}

	if err := d.refreshInfo(); err != nil {
		return err
	}

	// A true-color visual is required: each pixel must directly encode
	// its channel intensities. Devices that only do palette or
	// direct-color visuals are not supported.
	if finfo.Visual != fbdev.FB_VISUAL_TRUECOLOR || vinfo.BitsPerPixel != 32 {
		for _, depth := range depthFallback {
			vinfo.BitsPerPixel = depth
			vinfo.Activate = fbdev.FB_ACTIVATE_NOW | fbdev.FB_ACTIVATE_FORCE

			if err := d.dev.PutVarInfo(vinfo); err != nil {
				continue
			}
			if err := d.refreshInfo(); err != nil {
				return err
			}
			if finfo.Visual == fbdev.FB_VISUAL_TRUECOLOR {
				break
			}
		}
	}

	if vinfo.XResVirtual < vinfo.XRes ||
		(d.dbuf && vinfo.YResVirtual < vinfo.YRes*2) ||
		vinfo.YResVirtual < vinfo.YRes {
		log.Warn("device has weird virtual buffer sizes",
			"node", d.dev.Node(),
			"xres", vinfo.XRes, "xres_virtual", vinfo.XResVirtual,
			"yres", vinfo.YRes, "yres_virtual", vinfo.YResVirtual)
	}

	if vinfo.BitsPerPixel != 32 && vinfo.BitsPerPixel != 16 {
		err := fmt.Errorf("%w: %d bpp", ErrUnsupportedDevice, vinfo.BitsPerPixel)
		log.Error("device does not support 16/32 bpp", err, "node", d.dev.Node())
		return err
	}

	if finfo.Visual != fbdev.FB_VISUAL_TRUECOLOR {
		err := fmt.Errorf("%w: visual %d is not true-color", ErrUnsupportedDevice, finfo.Visual)
		log.Error("device does not support true-color", err, "node", d.dev.Node())
		return err
	}

	if vinfo.Red.Length > 8 || vinfo.Green.Length > 8 || vinfo.Blue.Length > 8 {
		err := fmt.Errorf("%w: channel lengths %d/%d/%d", ErrUnsupportedDevice,
			vinfo.Red.Length, vinfo.Green.Length, vinfo.Blue.Length)
		log.Error("device uses unusual color ranges", err, "node", d.dev.Node())
		return err
	}

	log.Info("activating display",
		"node", d.dev.Node(),
		"xres", vinfo.XRes, "yres", vinfo.YRes, "bpp", vinfo.BitsPerPixel)

	d.rateMilliHz = refreshRateMilliHz(vinfo)
	d.vblankMs = vblankIntervalMs(d.rateMilliHz)
	log.Debug("vblank timer",
		"interval_ms", d.vblankMs, "rate_hz", d.rateMilliHz/1000)

	length := int(finfo.LineLength) * int(vinfo.YRes)
	if d.dbuf {
		length *= 2
	}

	data, err := d.dev.Mmap(length)
	if err != nil {
		log.Error("cannot mmap device", err, "node", d.dev.Node())
		return err
	}
	clear(data)

	d.buf = Buffer{
		Data:   data,
		Len:    length,
		Stride: int(finfo.LineLength),
		Width:  int(vinfo.XRes),
		Height: int(vinfo.YRes),
		BufID:  0,
		Format: Format{
			BytesPerPixel: int(vinfo.BitsPerPixel / 8),
			OffR:          vinfo.Red.Offset,
			LenR:          vinfo.Red.Length,
			OffG:          vinfo.Green.Offset,
			LenG:          vinfo.Green.Length,
			OffB:          vinfo.Blue.Offset,
			LenB:          vinfo.Blue.Length,
		},
	}
	f := &d.buf.Format
	f.XRGB32 = f.LenR == 8 && f.LenG == 8 && f.LenB == 8 &&
		f.OffR == 16 && f.OffG == 8 && f.OffB == 0 &&
		f.BytesPerPixel == 4

	d.dither = d.video.opts.Dither

	if d.mode == nil {
		d.mode = model.NewMode("<default>", int(vinfo.XRes), int(vinfo.YRes))
	}

	d.online = true
	return nil
}

// Deactivate takes the display offline, releasing its mapping and
// dropping its mode. No-op while offline.
func (d *Display) Deactivate() {
	d.deactivateForce(false)
}

// deactivateForce with force=true is the system-sleep path: the mapping
// is released but mode and online intent survive so WakeUp can restore
// the display transparently.
func (d *Display) deactivateForce(force bool) {
	if d.video == nil || !d.online {
		return
	}

	log.Info("deactivating display", "node", d.dev.Node())

	if !force {
		d.mode = nil
	}

	// The mapping is already gone when deactivating a sleeping display;
	// only the mode and online intent remain to reset. Otherwise clear
	// before unmapping so stale pixels never reappear when the display is
	// reactivated or powered back up.
	if d.buf.Data != nil {
		clear(d.buf.Data)
		if err := d.dev.Munmap(d.buf.Data); err != nil {
			log.Error("cannot munmap device", err, "node", d.dev.Node())
		}
		d.buf = Buffer{}
	}

	if !force {
		d.online = false
	}
}

// Swap presents the rendered frame. On a double-buffered display it asks
// the device to flip to the inactive buffer at the next vertical blank
// and toggles the back-buffer index; either way it (re)arms the vblank
// pacing timer that delivers the next ready notification. A rejected
// device swap is retryable: the index is left alone, the pacing timer is
// still armed so another ready notification arrives, and the error wraps
// ErrSwapRejected.
func (d *Display) Swap() error {
	if d.video == nil || !d.video.awake {
		return fmt.Errorf("%w: backend is asleep", ErrInvalidArgument)
	}
	if !d.online {
		return fmt.Errorf("%w: display is offline", ErrInvalidArgument)
	}

	if !d.dbuf {
		d.scheduleVblank()
		return nil
	}

	vinfo := &d.vinfo
	vinfo.Activate = fbdev.FB_ACTIVATE_VBL
	if d.buf.BufID == 0 {
		vinfo.YOffset = vinfo.YRes
	} else {
		vinfo.YOffset = 0
	}

	if err := d.dev.PutVarInfo(vinfo); err != nil {
		log.Warn("cannot swap buffers", "node", d.dev.Node(), "err", err)
		// Without this the ready cadence would stop dead: nothing else
		// arms the timer, so the rejected frame would be the last one.
		d.scheduleVblank()
		return fmt.Errorf("%w: %v", ErrSwapRejected, err)
	}

	d.buf.BufID ^= 1
	d.scheduleVblank()
	return nil
}

func (d *Display) scheduleVblank() {
	d.vblank.Arm(d.VblankInterval())
}

// SetDPMS applies a monitor power state through the device blanking
// control. Standby and suspend map to the same blanking level; no fbdev
// driver seen so far distinguishes them. On rejection the previous state
// is retained. While the backend is asleep the device must not be
// touched at all, even though the display keeps its online intent.
func (d *Display) SetDPMS(state model.DPMS) error {
	if d.video == nil || !d.video.awake {
		return fmt.Errorf("%w: backend is asleep", ErrInvalidArgument)
	}
	if !d.online {
		return fmt.Errorf("%w: display is offline", ErrInvalidArgument)
	}

	var level int
	switch state {
	case model.DPMSOn:
		level = fbdev.FB_BLANK_UNBLANK
	case model.DPMSStandby:
		level = fbdev.FB_BLANK_NORMAL
	case model.DPMSSuspend:
		level = fbdev.FB_BLANK_NORMAL
	case model.DPMSOff:
		level = fbdev.FB_BLANK_POWERDOWN
	default:
		return fmt.Errorf("%w: bad DPMS state %d", ErrInvalidArgument, state)
	}

	log.Info("setting DPMS", "node", d.dev.Node(), "state", state)

	if err := d.dev.Blank(level); err != nil {
		log.Error("cannot set DPMS", err, "node", d.dev.Node())
		return err
	}

	d.dpms = state
	return nil
}
