// Package conflict generates collision-free file names and resolves the two
// conflict shapes the engine produces: cloud version conflicts and
// initial-sync collisions.
package conflict

import (
	"path/filepath"
	"strconv"
	"strings"
)

// ExistsFunc reports whether a candidate path or key is already taken.
type ExistsFunc func(string) bool

// NextName returns a fresh name derived from path: a trailing "_<n>"
// counter on the base name is incremented (or "_1" appended), and the
// counter keeps climbing until the candidate does not exist. The procedure
// is total: it terminates and never returns an existing name.
func NextName(path string, exists ExistsFunc) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for {
		base = bump(base)
		candidate := base + ext
		if exists == nil || !exists(candidate) {
			return candidate
		}
	}
}

// DeviceCopyName returns a fresh name carrying the device marker, used for
// initial-sync collisions: "<base>_<device>_<n>.<ext>". The counter climbs
// until the candidate does not exist.
func DeviceCopyName(path, device string, exists ExistsFunc) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if device != "" {
		// The first counter is appended, not bumped, so a numeric device
		// name stays the marker instead of being read as a counter.
		base += "_" + sanitizeDevice(device) + "_1"
		if candidate := base + ext; exists == nil || !exists(candidate) {
			return candidate
		}
	}
	for {
		base = bump(base)
		candidate := base + ext
		if exists == nil || !exists(candidate) {
			return candidate
		}
	}
}

// bump increments a trailing "_<n>" counter, or appends "_1".
func bump(base string) string {
	if i := strings.LastIndex(base, "_"); i >= 0 && i < len(base)-1 {
		if n, err := strconv.Atoi(base[i+1:]); err == nil && n >= 0 {
			return base[:i+1] + strconv.Itoa(n+1)
		}
	}
	return base + "_1"
}

// sanitizeDevice makes a device name safe to embed in a file name.
func sanitizeDevice(device string) string {
	device = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, device)
	return strings.Trim(device, "-")
}
