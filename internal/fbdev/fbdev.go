//go:build linux

// Package fbdev is the low-level device layer for Linux framebuffer
// nodes: the ioctls, the screeninfo structs, the memory mapping and the
// console mode switch. The video driver on top of it never issues a raw
// syscall itself.
package fbdev

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device wraps an open framebuffer node.
type Device struct {
	node string
	fd   int
}

// Open opens a framebuffer device node read-write.
func Open(node string) (*Device, error) {
	fd, err := unix.Open(node, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("fbdev: open %s: %w", node, err)
	}
	return &Device{node: node, fd: fd}, nil
}

// Node returns the device node path this device was opened from.
func (d *Device) Node() string { return d.node }

// Close closes the device node.
func (d *Device) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("fbdev: close %s: %w", d.node, err)
	}
	return nil
}

func (d *Device) ioctl(req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// FixInfo reads the fixed capability snapshot.
func (d *Device) FixInfo(finfo *FixScreeninfo) error {
	if err := d.ioctl(FBIOGET_FSCREENINFO, uintptr(unsafe.Pointer(finfo))); err != nil {
		return fmt.Errorf("fbdev: FBIOGET_FSCREENINFO on %s: %w", d.node, err)
	}
	return nil
}

// VarInfo reads the variable configuration snapshot.
func (d *Device) VarInfo(vinfo *VarScreeninfo) error {
	if err := d.ioctl(FBIOGET_VSCREENINFO, uintptr(unsafe.Pointer(vinfo))); err != nil {
		return fmt.Errorf("fbdev: FBIOGET_VSCREENINFO on %s: %w", d.node, err)
	}
	return nil
}

// PutVarInfo applies a variable configuration. The device may reject it
// or silently adjust the requested values, so callers re-read afterwards.
func (d *Device) PutVarInfo(vinfo *VarScreeninfo) error {
	if err := d.ioctl(FBIOPUT_VSCREENINFO, uintptr(unsafe.Pointer(vinfo))); err != nil {
		return fmt.Errorf("fbdev: FBIOPUT_VSCREENINFO on %s: %w", d.node, err)
	}
	return nil
}

// Blank sets the device blanking level (one of the FB_BLANK_* values).
func (d *Device) Blank(level int) error {
	if err := d.ioctl(FBIOBLANK, uintptr(level)); err != nil {
		return fmt.Errorf("fbdev: FBIOBLANK(%d) on %s: %w", level, d.node, err)
	}
	return nil
}

// Mmap maps length bytes of the device region at offset 0, writable and
// shared.
func (d *Device) Mmap(length int) ([]byte, error) {
	data, err := unix.Mmap(d.fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("fbdev: mmap %d bytes of %s: %w", length, d.node, err)
	}
	return data, nil
}

// Munmap releases a mapping created with Mmap.
func (d *Device) Munmap(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("fbdev: munmap %s: %w", d.node, err)
	}
	return nil
}
