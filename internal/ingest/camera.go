package ingest

import (
	"fmt"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
)

// SSRC bases per media kind. A camera's stream SSRC is base + index, so
// cameras sharing the ingest router never collide.
const (
	VideoSSRCBase uint32 = 11110000
	AudioSSRCBase uint32 = 22220000
)

// Camera is one configured source.
type Camera struct {
	// Index is 1-based, in configuration order.
	Index     int
	ID        string
	SourceURL string
}

// CameraID formats the id of the camera at 1-based index i.
func CameraID(i int) string {
	return fmt.Sprintf("cam%02d", i)
}

// Cameras names urls in list order.
func Cameras(urls []string) []Camera {
	cams := make([]Camera, 0, len(urls))
	for i, u := range urls {
		cams = append(cams, Camera{Index: i + 1, ID: CameraID(i + 1), SourceURL: u})
	}
	return cams
}

// SSRC returns the synchronization source id of the camera's stream of kind k.
func (c Camera) SSRC(k mediaengine.Kind) uint32 {
	if k == mediaengine.KindAudio {
		return AudioSSRCBase + uint32(c.Index)
	}
	return VideoSSRCBase + uint32(c.Index)
}

// VideoRtpParameters describes the H.264 constrained baseline stream the
// transcoder sends.
func (c Camera) VideoRtpParameters() mediaengine.RtpParameters {
	return mediaengine.RtpParameters{
		Codecs: []mediaengine.RtpCodecParameters{{
			MimeType:    mediaengine.MimeTypeH264,
			PayloadType: 102,
			ClockRate:   90000,
			Parameters: map[string]any{
				"packetization-mode": 1,
				"profile-level-id":   mediaengine.H264ProfileLevelID,
			},
		}},
		Encodings: []mediaengine.RtpEncodingParameters{{Ssrc: c.SSRC(mediaengine.KindVideo)}},
		Rtcp:      &mediaengine.RtcpParameters{Cname: c.ID},
	}
}

// AudioRtpParameters describes the Opus stream the transcoder sends.
func (c Camera) AudioRtpParameters() mediaengine.RtpParameters {
	return mediaengine.RtpParameters{
		Codecs: []mediaengine.RtpCodecParameters{{
			MimeType:    mediaengine.MimeTypeOpus,
			PayloadType: 111,
			ClockRate:   48000,
			Channels:    2,
		}},
		Encodings: []mediaengine.RtpEncodingParameters{{Ssrc: c.SSRC(mediaengine.KindAudio)}},
		Rtcp:      &mediaengine.RtcpParameters{Cname: c.ID},
	}
}
