package mediaengine

import (
	"fmt"
	"strings"
)

const (
	MimeTypeOpus = "audio/opus"
	MimeTypeVP8  = "video/VP8"
	MimeTypeH264 = "video/H264"

	// H264ProfileLevelID is constrained baseline, level 3.1.
	H264ProfileLevelID = "42e01f"
)

// RouterCodecs returns the fixed codec set every router is created with.
func RouterCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{
			Kind:                 KindAudio,
			MimeType:             MimeTypeOpus,
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			Parameters: map[string]any{
				"minptime":     10,
				"useinbandfec": 1,
			},
			RtcpFeedback: []RtcpFeedback{{Type: "transport-cc"}},
		},
		{
			Kind:                 KindVideo,
			MimeType:             MimeTypeVP8,
			PreferredPayloadType: 96,
			ClockRate:            90000,
			RtcpFeedback:         videoFeedback(),
		},
		{
			Kind:                 KindVideo,
			MimeType:             MimeTypeH264,
			PreferredPayloadType: 102,
			ClockRate:            90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        H264ProfileLevelID,
				"level-asymmetry-allowed": 1,
			},
			RtcpFeedback: videoFeedback(),
		},
	}
}

func videoFeedback() []RtcpFeedback {
	return []RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
}

// RouterCapabilities is the capability document of a router built from RouterCodecs.
func RouterCapabilities() RtpCapabilities {
	return RtpCapabilities{
		Codecs: RouterCodecs(),
		HeaderExtensions: []RtpHeaderExtension{
			{Kind: KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
			{Kind: KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
			{Kind: KindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4},
			{Kind: KindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4},
		},
	}
}

// KindOfMime derives the media kind from a MIME type such as "video/H264".
func KindOfMime(mime string) Kind {
	if strings.HasPrefix(strings.ToLower(mime), "audio/") {
		return KindAudio
	}
	return KindVideo
}

// findRouterCodec returns the router codec matching the given stream codec.
func findRouterCodec(codecs []RtpCodecCapability, c RtpCodecParameters) (RtpCodecCapability, bool) {
	for _, rc := range codecs {
		if codecMatches(rc.MimeType, rc.ClockRate, rc.Channels, rc.Parameters, c.MimeType, c.ClockRate, c.Channels, c.Parameters) {
			return rc, true
		}
	}
	return RtpCodecCapability{}, false
}

// validateProducerParameters checks that a producer stream can be routed.
func validateProducerParameters(codecs []RtpCodecCapability, kind Kind, p RtpParameters) (RtpCodecCapability, error) {
	if len(p.Codecs) == 0 {
		return RtpCodecCapability{}, fmt.Errorf("rtpParameters has no codecs")
	}
	if len(p.Encodings) == 0 || p.Encodings[0].Ssrc == 0 {
		return RtpCodecCapability{}, fmt.Errorf("rtpParameters must carry an encoding with an ssrc")
	}
	first := p.Codecs[0]
	if KindOfMime(first.MimeType) != kind {
		return RtpCodecCapability{}, fmt.Errorf("codec %s does not match kind %s", first.MimeType, kind)
	}
	rc, ok := findRouterCodec(codecs, first)
	if !ok {
		return RtpCodecCapability{}, fmt.Errorf("codec %s/%d is not supported by the router", first.MimeType, first.ClockRate)
	}
	return rc, nil
}

// checkConsumable reports whether a peer announcing caps can receive a stream
// described by producer. The second value explains a negative answer.
func checkConsumable(producer RtpParameters, caps RtpCapabilities) (RtpCodecCapability, string) {
	if len(producer.Codecs) == 0 {
		return RtpCodecCapability{}, "producer has no codecs"
	}
	pc := producer.Codecs[0]
	for _, c := range caps.Codecs {
		if codecMatches(pc.MimeType, pc.ClockRate, pc.Channels, pc.Parameters, c.MimeType, c.ClockRate, c.Channels, c.Parameters) {
			return c, ""
		}
	}
	return RtpCodecCapability{}, fmt.Sprintf("no codec in capabilities matches %s/%d", pc.MimeType, pc.ClockRate)
}

func codecMatches(aMime string, aRate uint32, aCh uint16, aParams map[string]any,
	bMime string, bRate uint32, bCh uint16, bParams map[string]any) bool {
	if !strings.EqualFold(aMime, bMime) || aRate != bRate {
		return false
	}
	if KindOfMime(aMime) == KindAudio && channelsOf(aCh) != channelsOf(bCh) {
		return false
	}
	if strings.EqualFold(aMime, MimeTypeH264) {
		if packetizationMode(aParams) != packetizationMode(bParams) {
			return false
		}
		if h264Profile(aParams) != h264Profile(bParams) {
			return false
		}
	}
	return true
}

func channelsOf(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

func packetizationMode(params map[string]any) string {
	if m := paramString(params, "packetization-mode"); m != "" {
		return m
	}
	return "0"
}

// h264Profile returns the profile part (profile_idc + constraint flags) of
// profile-level-id; the level does not affect compatibility.
func h264Profile(params map[string]any) string {
	id := strings.ToLower(paramString(params, "profile-level-id"))
	if id == "" {
		id = H264ProfileLevelID
	}
	if len(id) < 4 {
		return id
	}
	profile := id[:4]
	// 42e0 and 4200 with constraint_set1 are both constrained baseline; 640c likewise.
	switch profile {
	case "42e0", "4de0", "640c", "42c0":
		return "cb"
	}
	return profile
}

// consumerParameters builds the RTP parameters a consumer receives.
func consumerParameters(producer RtpParameters, routerCodec RtpCodecCapability, ssrc uint32, cname string) RtpParameters {
	pc := producer.Codecs[0]
	return RtpParameters{
		Mid: "",
		Codecs: []RtpCodecParameters{{
			MimeType:     routerCodec.MimeType,
			PayloadType:  routerCodec.PreferredPayloadType,
			ClockRate:    routerCodec.ClockRate,
			Channels:     routerCodec.Channels,
			Parameters:   mergeParams(routerCodec.Parameters, pc.Parameters),
			RtcpFeedback: routerCodec.RtcpFeedback,
		}},
		Encodings: []RtpEncodingParameters{{Ssrc: ssrc}},
		Rtcp:      &RtcpParameters{Cname: cname, ReducedSize: true},
	}
}

func mergeParams(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
