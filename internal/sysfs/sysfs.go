// Package sysfs reads framebuffer attributes from /sys/class/graphics
// for diagnostics. The driver itself never depends on sysfs; everything
// it needs comes from the device ioctls.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Info holds the sysfs view of one framebuffer device for the
// diagnostics API.
type Info struct {
	// Name is the kernel driver's identification string, e.g. "EFI VGA".
	Name string `json:"name"`
	// Blank is the current blanking level (0 = unblanked), -1 if the
	// attribute is unavailable.
	Blank int `json:"blank"`
	// BitsPerPixel as reported by sysfs, 0 if unavailable.
	BitsPerPixel int `json:"bits_per_pixel"`
}

// Reader abstracts sysfs access so the web layer can be tested against a
// fixed directory tree.
type Reader interface {
	Read(node string) (Info, error)
}

// NewReader returns a Reader rooted at the real sysfs mount.
func NewReader() Reader {
	return &dirReader{root: "/sys/class/graphics"}
}

// NewReaderAt returns a Reader rooted at an arbitrary directory; tests
// point it at a temp tree.
func NewReaderAt(root string) Reader {
	return &dirReader{root: root}
}

type dirReader struct {
	root string
}

// Read maps a device node path like /dev/fb0 onto its sysfs directory
// and collects the attributes that exist. Missing optional attributes
// are not an error; a missing device directory is.
func (r *dirReader) Read(node string) (Info, error) {
	base := filepath.Base(node)
	dir := filepath.Join(r.root, base)

	if _, err := os.Stat(dir); err != nil {
		return Info{}, fmt.Errorf("sysfs: no entry for %s: %w", node, err)
	}

	info := Info{Blank: -1}

	if s, err := readAttr(filepath.Join(dir, "name")); err == nil {
		info.Name = s
	}
	if s, err := readAttr(filepath.Join(dir, "blank")); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			info.Blank = n
		}
	}
	if s, err := readAttr(filepath.Join(dir, "bits_per_pixel")); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			info.BitsPerPixel = n
		}
	}

	return info, nil
}

func readAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
