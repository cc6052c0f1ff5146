//go:build linux

package fbdev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// <linux/kd.h> console ioctls. 0x4B is 'K'.
const (
	kdSetMode = 0x4B3A
	kdGetMode = 0x4B3B

	kdText     = 0x00
	kdGraphics = 0x01
)

// Console wraps the controlling terminal so the daemon can switch it into
// graphics mode while drawing and restore text mode on exit. Without this
// the kernel console keeps scribbling over the framebuffer.
type Console struct {
	f    *os.File
	prev int
}

// OpenConsole opens the given tty device, typically /dev/tty0 or the
// process's own terminal, and records its current mode.
func OpenConsole(node string) (*Console, error) {
	f, err := os.OpenFile(node, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("fbdev: open console %s: %w", node, err)
	}

	var mode int
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kdGetMode, uintptr(unsafe.Pointer(&mode)))
	if errno != 0 {
		f.Close()
		return nil, fmt.Errorf("fbdev: KDGETMODE on %s: %w", node, errno)
	}

	return &Console{f: f, prev: mode}, nil
}

// Graphics switches the console into graphics mode.
func (c *Console) Graphics() error {
	return c.setMode(kdGraphics)
}

// Restore puts the console back into the mode it had when opened and
// closes it.
func (c *Console) Restore() error {
	err := c.setMode(c.prev)
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Console) setMode(mode int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), kdSetMode, uintptr(mode))
	if errno != 0 {
		return fmt.Errorf("fbdev: KDSETMODE(%d) on %s: %w", mode, c.f.Name(), errno)
	}
	return nil
}
