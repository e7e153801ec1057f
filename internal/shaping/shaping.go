// Package shaping programs CAKE or HTB shaping rates over rtnetlink and
// reads the byte counters the controller derives link load from.
package shaping

import (
	"errors"
	"strings"
)

// ErrQdiscNotFound means the configured qdisc is not installed on the
// interface. The daemon adjusts existing qdiscs, it never creates them.
var ErrQdiscNotFound = errors.New("qdisc not found")

// kbitToBytesPerSec converts a shaping rate in kbit/s to the bytes/s the
// kernel expects in rate fields.
func kbitToBytesPerSec(kbit float64) uint64 {
	return uint64(kbit * 1000 / 8)
}

// redirectDevice reports whether the interface is a mirror target (IFB or
// veth pair). Shaped traffic traverses those devices in the opposite
// direction, so their byte counters are read swapped.
func redirectDevice(name string) bool {
	return strings.HasPrefix(name, "ifb") || strings.HasPrefix(name, "veth")
}

// downloadBytes picks the counter that reflects downstream traffic on the
// download-shaped interface.
func downloadBytes(name string, rxBytes, txBytes uint64) uint64 {
	if redirectDevice(name) {
		return txBytes
	}
	return rxBytes
}

// uploadBytes picks the counter that reflects upstream traffic on the
// upload-shaped interface.
func uploadBytes(name string, rxBytes, txBytes uint64) uint64 {
	if redirectDevice(name) {
		return rxBytes
	}
	return txBytes
}
