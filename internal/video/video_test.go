//go:build linux

package video

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"fbvid/internal/eloop"
	"fbvid/internal/fbdev"
	"fbvid/internal/model"
)

// fakeDevice is a scripted stand-in for *fbdev.Device. cur is the
// device-side variable configuration; onPut, when set, decides whether a
// write is accepted and how the device state changes.
type fakeDevice struct {
	node string
	fix  fbdev.FixScreeninfo
	cur  fbdev.VarScreeninfo

	onPut    func(f *fakeDevice, v *fbdev.VarScreeninfo) error
	mmapErr  error
	blankErr error

	lastPut fbdev.VarScreeninfo
	puts    int
	maps    int
	unmaps  int
	blanks  []int
	mapped  []byte
	closed  bool
}

func (f *fakeDevice) Node() string { return f.node }

func (f *fakeDevice) Close() error {
	f.closed = true
	return nil
}

func (f *fakeDevice) FixInfo(fi *fbdev.FixScreeninfo) error {
	*fi = f.fix
	return nil
}

func (f *fakeDevice) VarInfo(v *fbdev.VarScreeninfo) error {
	*v = f.cur
	return nil
}

func (f *fakeDevice) PutVarInfo(v *fbdev.VarScreeninfo) error {
	f.puts++
	f.lastPut = *v
	if f.onPut != nil {
		return f.onPut(f, v)
	}
	f.cur = *v
	return nil
}

func (f *fakeDevice) Blank(level int) error {
	if f.blankErr != nil {
		return f.blankErr
	}
	f.blanks = append(f.blanks, level)
	return nil
}

func (f *fakeDevice) Mmap(length int) ([]byte, error) {
	if f.mmapErr != nil {
		return nil, f.mmapErr
	}
	f.maps++
	f.mapped = make([]byte, length)
	return f.mapped, nil
}

func (f *fakeDevice) Munmap(b []byte) error {
	f.unmaps++
	f.mapped = nil
	return nil
}

// newXRGBDevice returns a well-behaved 1920x1080 XRGB8888 device with
// 60 Hz timing data.
func newXRGBDevice() *fakeDevice {
	f := &fakeDevice{node: "/dev/fb-test"}
	copy(f.fix.ID[:], "testfb")
	f.fix.Visual = fbdev.FB_VISUAL_TRUECOLOR
	f.fix.LineLength = 1920 * 4
	f.cur = fbdev.VarScreeninfo{
		XRes:        1920,
		YRes:        1080,
		XResVirtual: 1920,
		YResVirtual: 1080,

		BitsPerPixel: 32,
		Red:          fbdev.BitField{Offset: 16, Length: 8},
		Green:        fbdev.BitField{Offset: 8, Length: 8},
		Blue:         fbdev.BitField{Offset: 0, Length: 8},

		PixClock:    6734,
		LeftMargin:  88,
		RightMargin: 192,
		UpperMargin: 20,
		LowerMargin: 25,
	}
	return f
}

type harness struct {
	loop   *eloop.Loop
	vid    *Video
	events []Event
}

func newHarness(dev *fakeDevice, opts Options) *harness {
	h := &harness{loop: eloop.New()}
	h.vid = New(h.loop, func(ev Event) { h.events = append(h.events, ev) }, opts)
	h.vid.attach(dev)
	return h
}

func (h *harness) drain() {
	for h.loop.Step() {
	}
}

func (h *harness) kinds() []model.EventKind {
	out := make([]model.EventKind, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Kind
	}
	return out
}

func mustWake(t *testing.T, h *harness) {
	t.Helper()
	if err := h.vid.WakeUp(); err != nil {
		t.Fatalf("WakeUp: %v", err)
	}
}

func mustActivate(t *testing.T, h *harness) *Display {
	t.Helper()
	d := h.vid.Display()
	if err := d.Activate(nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return d
}

func TestActivateBringsDisplayOnline(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	mustWake(t, h)

	d := mustActivate(t, h)

	if !d.Online() {
		t.Fatal("display not online after Activate")
	}
	if d.DoubleBuffered() {
		t.Error("double buffering enabled without allow-list entry")
	}

	mode := d.Mode()
	if mode == nil {
		t.Fatal("no mode after first activation")
	}
	if mode.Width() != 1920 || mode.Height() != 1080 {
		t.Errorf("mode = %dx%d, want 1920x1080", mode.Width(), mode.Height())
	}
	if mode.Name() != "<default>" {
		t.Errorf("mode name = %q", mode.Name())
	}

	buf := d.Buffer()
	if buf.Len != 1920*4*1080 {
		t.Errorf("buffer length = %d, want %d", buf.Len, 1920*4*1080)
	}
	if buf.Stride != 1920*4 {
		t.Errorf("stride = %d, want %d", buf.Stride, 1920*4)
	}
	if buf.Width != mode.Width() || buf.Height != mode.Height() {
		t.Errorf("buffer resolution %dx%d != mode %dx%d",
			buf.Width, buf.Height, mode.Width(), mode.Height())
	}
	if !buf.Format.XRGB32 {
		t.Error("XRGB32 fast path not detected for 8/8/8 at 16/8/0, 4 Bpp")
	}
	if buf.BufID != 0 {
		t.Errorf("initial back-buffer index = %d", buf.BufID)
	}

	if d.RateMilliHz() != 60000 {
		t.Errorf("rate = %d mHz, want 60000", d.RateMilliHz())
	}
	if d.VblankInterval() != 16*time.Millisecond {
		t.Errorf("vblank interval = %v, want 16ms", d.VblankInterval())
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	mustWake(t, h)

	d := mustActivate(t, h)
	maps := dev.maps

	if err := d.Activate(nil); err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if dev.maps != maps {
		t.Error("second Activate remapped the buffer")
	}
}

func TestActivateGuards(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	d := h.vid.Display()

	// Asleep.
	if err := d.Activate(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Activate while asleep = %v, want ErrInvalidArgument", err)
	}

	mustWake(t, h)

	// Explicit mode setting is unsupported.
	if err := d.Activate(model.NewMode("x", 640, 480)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Activate with mode = %v, want ErrInvalidArgument", err)
	}
	if d.Online() {
		t.Error("display came online from rejected calls")
	}
}

func TestActivateUnsupportedDepth(t *testing.T) {
	dev := newXRGBDevice()
	dev.cur.BitsPerPixel = 8
	dev.fix.LineLength = 1920
	// Driver accepts writes but clamps the depth back to 8 bpp.
	dev.onPut = func(f *fakeDevice, v *fbdev.VarScreeninfo) error {
		f.cur = *v
		f.cur.BitsPerPixel = 8
		return nil
	}

	h := newHarness(dev, Options{})
	mustWake(t, h)

	err := h.vid.Display().Activate(nil)
	if !errors.Is(err, ErrUnsupportedDevice) {
		t.Fatalf("Activate = %v, want ErrUnsupportedDevice", err)
	}
	if h.vid.Display().Online() {
		t.Error("display online after failed activation")
	}
	if dev.mapped != nil {
		t.Error("mapping held after failed activation")
	}
}

func TestActivateDepthFallbackTo16(t *testing.T) {
	dev := newXRGBDevice()
	// Starts as an 8 bpp pseudocolor device that can only do true-color
	// at 16 bpp.
	dev.cur.BitsPerPixel = 8
	dev.fix.Visual = fbdev.FB_VISUAL_PSEUDOCOLOR
	dev.fix.LineLength = 1920
	dev.onPut = func(f *fakeDevice, v *fbdev.VarScreeninfo) error {
		switch v.BitsPerPixel {
		case 8:
			f.cur = *v
			return nil
		case 32:
			return unix.EINVAL
		case 16:
			f.cur = *v
			f.cur.Red = fbdev.BitField{Offset: 11, Length: 5}
			f.cur.Green = fbdev.BitField{Offset: 5, Length: 6}
			f.cur.Blue = fbdev.BitField{Offset: 0, Length: 5}
			f.fix.Visual = fbdev.FB_VISUAL_TRUECOLOR
			f.fix.LineLength = 1920 * 2
			return nil
		default:
			return unix.EINVAL
		}
	}

	h := newHarness(dev, Options{})
	mustWake(t, h)

	d := mustActivate(t, h)

	f := d.Buffer().Format
	if f.BytesPerPixel != 2 {
		t.Errorf("BytesPerPixel = %d, want 2", f.BytesPerPixel)
	}
	if f.LenR != 5 || f.LenG != 6 || f.LenB != 5 {
		t.Errorf("channel lengths %d/%d/%d, want 5/6/5", f.LenR, f.LenG, f.LenB)
	}
	if f.XRGB32 {
		t.Error("XRGB32 flagged on a 16 bpp format")
	}
	if d.Buffer().Len != 1920*2*1080 {
		t.Errorf("buffer length = %d", d.Buffer().Len)
	}
}

func TestActivateUnusualChannelWidth(t *testing.T) {
	dev := newXRGBDevice()
	dev.cur.Red = fbdev.BitField{Offset: 20, Length: 10}

	h := newHarness(dev, Options{})
	mustWake(t, h)

	if err := h.vid.Display().Activate(nil); !errors.Is(err, ErrUnsupportedDevice) {
		t.Fatalf("Activate = %v, want ErrUnsupportedDevice", err)
	}
}

func TestActivateMmapFailureRollsBack(t *testing.T) {
	dev := newXRGBDevice()
	dev.mmapErr = unix.ENOMEM

	h := newHarness(dev, Options{})
	mustWake(t, h)

	d := h.vid.Display()
	if err := d.Activate(nil); err == nil {
		t.Fatal("Activate succeeded despite mmap failure")
	}
	if d.Online() {
		t.Error("display online after mmap failure")
	}
	if d.Buffer().Data != nil {
		t.Error("buffer retained after mmap failure")
	}
}

func TestDoubleBufferRejectedFallsBackToSingle(t *testing.T) {
	dev := newXRGBDevice()
	dev.onPut = func(f *fakeDevice, v *fbdev.VarScreeninfo) error {
		if v.YResVirtual > v.YRes {
			return unix.EINVAL
		}
		f.cur = *v
		return nil
	}

	h := newHarness(dev, Options{
		AllowDoubleBuffer: func(id string) bool { return id == "testfb" },
	})
	mustWake(t, h)

	d := mustActivate(t, h)
	if d.DoubleBuffered() {
		t.Error("double buffering enabled although the device rejected it")
	}
	if !d.Online() {
		t.Error("display offline after single-buffer fallback")
	}
}

func TestDoubleBufferSwapTogglesIndex(t *testing.T) {
	dev := newXRGBDevice()

	h := newHarness(dev, Options{
		AllowDoubleBuffer: func(id string) bool { return id == "testfb" },
	})
	mustWake(t, h)

	d := mustActivate(t, h)
	if !d.DoubleBuffered() {
		t.Fatal("double buffering not negotiated")
	}
	if d.Buffer().Len != 1920*4*1080*2 {
		t.Errorf("buffer length = %d, want doubled", d.Buffer().Len)
	}

	if err := d.Swap(); err != nil {
		t.Fatalf("first Swap: %v", err)
	}
	if dev.lastPut.Activate != fbdev.FB_ACTIVATE_VBL {
		t.Errorf("swap activate flags = %#x", dev.lastPut.Activate)
	}
	if dev.lastPut.YOffset != 1080 {
		t.Errorf("first swap yoffset = %d, want 1080", dev.lastPut.YOffset)
	}
	if d.Buffer().BufID != 1 {
		t.Errorf("back-buffer index = %d after first swap, want 1", d.Buffer().BufID)
	}

	if err := d.Swap(); err != nil {
		t.Fatalf("second Swap: %v", err)
	}
	if dev.lastPut.YOffset != 0 {
		t.Errorf("second swap yoffset = %d, want 0", dev.lastPut.YOffset)
	}
	if d.Buffer().BufID != 0 {
		t.Errorf("back-buffer index = %d after second swap, want 0", d.Buffer().BufID)
	}
}

func TestSwapRejectionIsRetryable(t *testing.T) {
	dev := newXRGBDevice()

	h := newHarness(dev, Options{
		AllowDoubleBuffer: func(id string) bool { return true },
	})
	mustWake(t, h)
	d := mustActivate(t, h)

	dev.onPut = func(f *fakeDevice, v *fbdev.VarScreeninfo) error {
		if v.Activate == fbdev.FB_ACTIVATE_VBL {
			return unix.EBUSY
		}
		f.cur = *v
		return nil
	}

	if err := d.Swap(); !errors.Is(err, ErrSwapRejected) {
		t.Fatalf("Swap = %v, want ErrSwapRejected", err)
	}
	if d.Buffer().BufID != 0 {
		t.Error("back-buffer index flipped on rejected swap")
	}

	dev.onPut = nil
	if err := d.Swap(); err != nil {
		t.Fatalf("retried Swap: %v", err)
	}
	if d.Buffer().BufID != 1 {
		t.Error("back-buffer index not flipped on retried swap")
	}
}

func TestSwapSingleBufferedPacesOnly(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	mustWake(t, h)
	d := mustActivate(t, h)
	h.drain() // discovery

	puts := dev.puts
	if err := d.Swap(); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if dev.puts != puts {
		t.Error("single-buffered Swap touched the device")
	}
	if d.Buffer().BufID != 0 {
		t.Error("single-buffered Swap altered the back-buffer index")
	}

	// The pacing timer still fires the ready notification.
	deadline := time.Now().Add(time.Second)
	for {
		h.drain()
		if containsKind(h.kinds(), model.EventReady) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no ready notification after Swap")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSwapGuards(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	d := h.vid.Display()

	if err := d.Swap(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Swap while asleep = %v, want ErrInvalidArgument", err)
	}

	mustWake(t, h)
	if err := d.Swap(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Swap while offline = %v, want ErrInvalidArgument", err)
	}
}

func TestSetDPMS(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	d := h.vid.Display()

	if err := d.SetDPMS(model.DPMSOn); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetDPMS while offline = %v, want ErrInvalidArgument", err)
	}

	mustWake(t, h)
	mustActivate(t, h)

	cases := []struct {
		state model.DPMS
		level int
	}{
		{model.DPMSOn, fbdev.FB_BLANK_UNBLANK},
		{model.DPMSStandby, fbdev.FB_BLANK_NORMAL},
		{model.DPMSSuspend, fbdev.FB_BLANK_NORMAL},
		{model.DPMSOff, fbdev.FB_BLANK_POWERDOWN},
	}
	for _, tc := range cases {
		if err := d.SetDPMS(tc.state); err != nil {
			t.Fatalf("SetDPMS(%v): %v", tc.state, err)
		}
		if got := dev.blanks[len(dev.blanks)-1]; got != tc.level {
			t.Errorf("SetDPMS(%v) blanked to %d, want %d", tc.state, got, tc.level)
		}
		if d.DPMS() != tc.state {
			t.Errorf("DPMS() = %v, want %v", d.DPMS(), tc.state)
		}
	}

	// Rejection keeps the previous state.
	dev.blankErr = unix.EIO
	if err := d.SetDPMS(model.DPMSOn); err == nil {
		t.Fatal("SetDPMS succeeded despite device rejection")
	}
	if d.DPMS() != model.DPMSOff {
		t.Errorf("DPMS() = %v after rejected change, want off", d.DPMS())
	}

	dev.blankErr = nil
	if err := d.SetDPMS(model.DPMSUnknown); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetDPMS(unknown) = %v, want ErrInvalidArgument", err)
	}
}

func TestSetDPMSWhileAsleep(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	mustWake(t, h)
	d := mustActivate(t, h)
	h.vid.Sleep()

	// The display keeps its online intent across Sleep, so the guard has
	// to check the awake domain, not just the flag.
	blanks := len(dev.blanks)
	if err := d.SetDPMS(model.DPMSOff); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SetDPMS while asleep = %v, want ErrInvalidArgument", err)
	}
	if len(dev.blanks) != blanks {
		t.Errorf("blank ioctl reached the device while asleep: %v", dev.blanks)
	}
}

func TestSwapRejectionKeepsPacing(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{
		AllowDoubleBuffer: func(id string) bool { return true },
	})
	mustWake(t, h)
	d := mustActivate(t, h)
	h.drain()

	dev.onPut = func(f *fakeDevice, v *fbdev.VarScreeninfo) error {
		if v.Activate == fbdev.FB_ACTIVATE_VBL {
			return unix.EBUSY
		}
		f.cur = *v
		return nil
	}
	if err := d.Swap(); !errors.Is(err, ErrSwapRejected) {
		t.Fatalf("Swap = %v, want ErrSwapRejected", err)
	}

	// A ready notification still arrives, giving the caller the next
	// frame to retry on.
	deadline := time.Now().Add(time.Second)
	for !containsKind(h.kinds(), model.EventReady) {
		if time.Now().After(deadline) {
			t.Fatal("no ready notification after rejected swap")
		}
		h.drain()
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDeactivateWhileAsleepSkipsUnmap(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	mustWake(t, h)
	d := mustActivate(t, h)
	h.vid.Sleep()

	// Sleep already released the mapping; Deactivate only drops the mode
	// and online intent.
	unmaps := dev.unmaps
	d.Deactivate()
	if dev.unmaps != unmaps {
		t.Error("Deactivate unmapped again after Sleep")
	}
	if d.Online() {
		t.Error("online after Deactivate")
	}
	if d.Mode() != nil {
		t.Error("mode survived Deactivate")
	}

	// WakeUp now has nothing to restore and must succeed.
	if err := h.vid.WakeUp(); err != nil {
		t.Fatalf("WakeUp: %v", err)
	}
	if dev.mapped != nil {
		t.Error("WakeUp remapped a deactivated display")
	}
}

func TestSleepAndWakeRestoreDisplay(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	mustWake(t, h)
	d := mustActivate(t, h)
	mode := d.Mode()

	h.vid.Sleep()
	if h.vid.Awake() {
		t.Fatal("still awake after Sleep")
	}
	if dev.mapped != nil {
		t.Error("mapping survived Sleep")
	}
	if !d.Online() {
		t.Error("online intent lost across Sleep")
	}
	if d.Mode() == nil {
		t.Error("mode dropped by forced deactivation")
	}

	// Sleep is idempotent.
	unmaps := dev.unmaps
	h.vid.Sleep()
	if dev.unmaps != unmaps {
		t.Error("second Sleep unmapped again")
	}

	if err := h.vid.WakeUp(); err != nil {
		t.Fatalf("WakeUp: %v", err)
	}
	if !d.Online() || dev.mapped == nil {
		t.Fatal("display not restored by WakeUp")
	}
	if got := d.Mode(); got.Width() != mode.Width() || got.Height() != mode.Height() {
		t.Errorf("mode changed across sleep: %dx%d", got.Width(), got.Height())
	}
}

func TestWakeUpFailureRollsBackAwakeFlag(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	mustWake(t, h)
	mustActivate(t, h)

	h.vid.Sleep()
	dev.mmapErr = unix.ENOMEM

	if err := h.vid.WakeUp(); err == nil {
		t.Fatal("WakeUp succeeded despite mmap failure")
	}
	if h.vid.Awake() {
		t.Error("awake flag not rolled back after failed WakeUp")
	}
}

func TestDeactivateDropsModeAndMapping(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	mustWake(t, h)
	d := mustActivate(t, h)

	d.Deactivate()
	if d.Online() {
		t.Error("online after Deactivate")
	}
	if d.Mode() != nil {
		t.Error("mode survived Deactivate")
	}
	if dev.mapped != nil {
		t.Error("mapping survived Deactivate")
	}

	// Deactivate is a no-op while offline.
	unmaps := dev.unmaps
	d.Deactivate()
	if dev.unmaps != unmaps {
		t.Error("second Deactivate unmapped again")
	}
}

func TestDiscoveryIsDeferredAndCancellable(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})

	// Nothing delivered on the caller's stack.
	if len(h.events) != 0 {
		t.Fatalf("events delivered before the loop ran: %v", h.kinds())
	}

	// Destroy before the idle fires: no discovery, no removal.
	h.vid.Destroy()
	h.drain()
	if len(h.events) != 0 {
		t.Fatalf("events after cancelled discovery: %v", h.kinds())
	}
	if !dev.closed {
		t.Error("device not closed by Destroy")
	}
}

func TestDestroyAfterDiscoveryAnnouncesRemoval(t *testing.T) {
	dev := newXRGBDevice()
	h := newHarness(dev, Options{})
	h.drain()

	if got := h.kinds(); len(got) != 1 || got[0] != model.EventNew {
		t.Fatalf("events = %v, want [new]", got)
	}

	h.vid.Destroy()
	got := h.kinds()
	if len(got) != 2 || got[1] != model.EventGone {
		t.Fatalf("events = %v, want [new gone]", got)
	}
	if h.vid.Display() != nil {
		t.Error("display still attached after Destroy")
	}
}

func containsKind(kinds []model.EventKind, k model.EventKind) bool {
	for _, got := range kinds {
		if got == k {
			return true
		}
	}
	return false
}
