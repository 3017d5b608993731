//go:build !linux

package call

import "log"

// deviceSource on non-Linux platforms performs no capture. The mediadevices
// drivers used here are Linux-specific (V4L2/malgo); calls still work
// receive-only.
type deviceSource struct{}

// NewDeviceSource returns the platform capture source. The size caps are
// unused on this platform.
func NewDeviceSource(_, _ int) MediaSource {
	return &deviceSource{}
}

// Acquire returns an empty acquisition so the peer connection is built
// receive-only.
func (s *deviceSource) Acquire(video bool) (*LocalMedia, error) {
	log.Printf("MEDIA: no local capture on this platform, receive-only")
	return &LocalMedia{}, nil
}
