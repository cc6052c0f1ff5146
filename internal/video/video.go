//go:build linux

// Package video implements the fbdev display backend: one Display per
// device node, brought online by negotiating a true-color pixel format
// and mapping the device memory, presented at the monitor's vblank
// cadence, and power-managed through the device blanking control.
//
// Everything here runs on the caller's event loop goroutine; the package
// does no locking of its own and must not be driven from multiple
// goroutines concurrently.
package video

import (
	"errors"
	"fmt"

	"fbvid/internal/eloop"
	"fbvid/internal/fbdev"
	"fbvid/internal/log"
	"fbvid/internal/model"
)

var (
	// ErrInvalidArgument covers calls that are wrong for the current
	// state: the backend is asleep, the display is offline, or an
	// explicit mode was requested (fbdev cannot set modes).
	ErrInvalidArgument = errors.New("video: invalid argument")

	// ErrUnsupportedDevice marks devices whose reported format cannot be
	// used: bad bit depth, non-true-color visual, or unusual channel
	// widths. The condition is permanent until the device configuration
	// changes externally.
	ErrUnsupportedDevice = errors.New("video: unsupported device")

	// ErrSwapRejected is returned when the device refuses a vblank
	// buffer swap. It is retryable; the caller may simply present the
	// next frame.
	ErrSwapRejected = errors.New("video: buffer swap rejected")
)

// Backend is the capability surface every video backend variant exposes
// to the owning system. The fbdev implementation is *Video; other device
// classes would provide their own.
type Backend interface {
	Init(node string) error
	Destroy()
	Sleep()
	WakeUp() error
}

// Event is a notification delivered to the owning system's callback.
type Event struct {
	Kind    model.EventKind
	Display *Display
}

// Options tunes backend behavior from configuration.
type Options struct {
	// AllowDoubleBuffer decides, from the device's fixed-info id string,
	// whether double buffering may be negotiated. nil means never: too
	// many fbdev drivers accept any virtual size and then break mmap.
	AllowDoubleBuffer func(id string) bool

	// Dither enables ordered dithering on 16 bpp formats.
	Dither bool
}

// device is the control surface of one framebuffer node. *fbdev.Device
// implements it; tests substitute a scripted fake.
type device interface {
	Node() string
	Close() error
	FixInfo(*fbdev.FixScreeninfo) error
	VarInfo(*fbdev.VarScreeninfo) error
	PutVarInfo(*fbdev.VarScreeninfo) error
	Blank(level int) error
	Mmap(length int) ([]byte, error)
	Munmap([]byte) error
}

// Video is one fbdev backend instance. The awake flag is the process-wide
// sleep/resume domain shared by the instance's displays; every operation
// checks it before touching the device.
type Video struct {
	loop  *eloop.Loop
	cb    func(Event)
	opts  Options
	awake bool

	// fbdev backends expose exactly one display per instance.
	display *Display
}

// New creates a backend instance. The callback receives display
// notifications on the event loop goroutine; it may be nil. The instance
// starts asleep; call WakeUp before activating displays.
func New(loop *eloop.Loop, cb func(Event), opts Options) *Video {
	return &Video{loop: loop, cb: cb, opts: opts}
}

// Awake reports whether the backend is awake.
func (v *Video) Awake() bool { return v.awake }

// Display returns the instance's display, or nil before Init.
func (v *Video) Display() *Display { return v.display }

func (v *Video) allowsDoubleBuffer(id string) bool {
	return v.opts.AllowDoubleBuffer != nil && v.opts.AllowDoubleBuffer(id)
}

func (v *Video) emit(kind model.EventKind, d *Display) {
	if v.cb != nil {
		v.cb(Event{Kind: kind, Display: d})
	}
}

// Init opens the device node and creates the display. The discovery
// notification is deferred onto the event loop so it never runs on the
// caller's stack; a caller that registers further callbacks right after
// Init still observes discovery first.
func (v *Video) Init(node string) error {
	if v.display != nil {
		return fmt.Errorf("%w: backend already initialized", ErrInvalidArgument)
	}
	dev, err := fbdev.Open(node)
	if err != nil {
		return err
	}
	v.attach(dev)
	return nil
}

func (v *Video) attach(dev device) {
	disp := &Display{
		video: v,
		dev:   dev,
		dpms:  model.DPMSUnknown,
	}
	disp.vblank = v.loop.NewTimer(func() {
		v.emit(model.EventReady, disp)
	})
	disp.intro = v.loop.PostIdle(func() {
		v.emit(model.EventNew, disp)
	})
	v.display = disp

	log.Info("new device", "node", dev.Node())
}

// Destroy announces removal (only if discovery was ever delivered),
// releases the display and closes the device node. An online display is
// deactivated first.
func (v *Video) Destroy() {
	disp := v.display
	if disp == nil {
		return
	}

	log.Info("freeing device", "node", disp.dev.Node())

	if disp.buf.Data != nil {
		disp.deactivateForce(false)
	}

	if !disp.intro.Cancel() && disp.intro.Fired() {
		v.emit(model.EventGone, disp)
	}

	disp.vblank.Stop()
	if err := disp.dev.Close(); err != nil {
		log.Error("cannot close device", err, "node", disp.dev.Node())
	}
	disp.video = nil
	v.display = nil
}

// Sleep force-deactivates the display, keeping its mode and online intent
// so WakeUp can restore it, and marks the backend asleep. No-op when
// already asleep.
func (v *Video) Sleep() {
	if !v.awake {
		return
	}
	if v.display != nil {
		v.display.deactivateForce(true)
	}
	v.awake = false
}

// WakeUp marks the backend awake and re-activates the display if it was
// online before Sleep. A failed re-activation rolls the awake flag back.
func (v *Video) WakeUp() error {
	if v.awake {
		return nil
	}

	v.awake = true
	if v.display != nil && v.display.online {
		if err := v.display.activateForce(nil, true); err != nil {
			v.awake = false
			return err
		}
	}
	return nil
}
