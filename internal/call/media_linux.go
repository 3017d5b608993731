//go:build linux

package call

import (
	"errors"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceSource captures camera and microphone via pion/mediadevices
// (V4L2 + malgo on Linux).
type deviceSource struct {
	maxWidth  int
	maxHeight int
}

// NewDeviceSource returns the platform capture source. Video frames are
// capped at maxWidth×maxHeight.
func NewDeviceSource(maxWidth, maxHeight int) MediaSource {
	return &deviceSource{maxWidth: maxWidth, maxHeight: maxHeight}
}

// deviceTrack adapts a mediadevices track to the Track surface.
type deviceTrack struct{ t mediadevices.Track }

func (d *deviceTrack) Kind() string { return d.t.Kind().String() }
func (d *deviceTrack) Close() error { return d.t.Close() }

// Acquire opens local capture with graceful fallback. GetUserMedia fails as
// a unit if either requested track cannot be opened, so a video call tries
// video+audio first, then video-only, then audio-only; a missing or busy
// microphone must not prevent the camera from working and vice versa.
func (s *deviceSource) Acquire(video bool) (*LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA: no capture devices found")
	} else {
		for _, d := range devices {
			log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: s.maxWidth}
				c.Height = prop.IntRanged{Max: s.maxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		local := &LocalMedia{
			populate: func(me *webrtc.MediaEngine) error {
				codecSelector.Populate(me)
				return nil
			},
		}
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			local.Tracks = append(local.Tracks, &deviceTrack{t: track})
			local.rtc = append(local.rtc, track)
		}

		log.Printf("MEDIA: captured %s, %d tracks", a.label, len(tracks))
		return local, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no capture attempt succeeded")
	}
	return nil, lastErr
}
