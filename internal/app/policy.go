package app

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

// strippedExtmapURIs are header extensions that only matter for
// bandwidth-heavy video calls; audio-only sessions drop them.
var strippedExtmapURIs = []string{
	"draft-holmer-rmcat-transport-wide-cc-extensions",
	"abs-send-time",
}

// strippedFeedback are rtcp-fb mechanisms tied to the extensions above.
var strippedFeedback = []string{
	"transport-cc",
	"goog-remb",
}

// SdpPolicy rewrites every locally produced description before it is applied
// or sent: audio pinned to mono opus with a bitrate cap, redundant-encoding
// payloads and congestion-control extensions stripped. Pure and
// deterministic; input that does not parse is returned unchanged so a
// cosmetic rewrite can never fail a call.
type SdpPolicy struct {
	// MaxBitrate caps opus maxaveragebitrate, bits/s.
	MaxBitrate int
}

func NewSdpPolicy(maxBitrate int) SdpPolicy {
	if maxBitrate <= 0 {
		maxBitrate = 24000
	}
	return SdpPolicy{MaxBitrate: maxBitrate}
}

func (p SdpPolicy) Rewrite(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		log.Warn().Err(err).Str("module", "app.policy").Msg("unparsable sdp, passing through")
		return raw
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		rewriteAudioSection(m, p.MaxBitrate)
	}

	out, err := desc.Marshal()
	if err != nil {
		log.Warn().Err(err).Str("module", "app.policy").Msg("sdp remarshal failed, passing through")
		return raw
	}
	return string(out)
}

func rewriteAudioSection(m *sdp.MediaDescription, maxBitrate int) {
	redPTs := payloadTypesMatching(m, " red/")
	opusPTs := payloadTypesMatching(m, " opus/")

	kept := m.Attributes[:0]
	for _, a := range m.Attributes {
		if dropAttribute(a, redPTs) {
			continue
		}
		kept = append(kept, a)
	}
	m.Attributes = kept

	m.MediaName.Formats = removeFormats(m.MediaName.Formats, redPTs)

	for _, pt := range opusPTs {
		pinOpusProfile(m, pt, maxBitrate)
	}
}

// payloadTypesMatching collects payload types whose rtpmap value contains
// the given codec marker (e.g. " red/48000").
func payloadTypesMatching(m *sdp.MediaDescription, marker string) []string {
	var pts []string
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		if strings.Contains(" "+a.Value, marker) {
			if pt, _, ok := strings.Cut(a.Value, " "); ok {
				pts = append(pts, pt)
			}
		}
	}
	return pts
}

func dropAttribute(a sdp.Attribute, redPTs []string) bool {
	switch a.Key {
	case "extmap":
		for _, uri := range strippedExtmapURIs {
			if strings.Contains(a.Value, uri) {
				return true
			}
		}
	case "rtcp-fb":
		for _, fb := range strippedFeedback {
			if strings.Contains(a.Value, fb) {
				return true
			}
		}
	case "rtpmap", "fmtp":
		pt, _, _ := strings.Cut(a.Value, " ")
		for _, red := range redPTs {
			if pt == red {
				return true
			}
		}
	}
	return false
}

func removeFormats(formats, dropped []string) []string {
	if len(dropped) == 0 {
		return formats
	}
	kept := formats[:0]
	for _, f := range formats {
		drop := false
		for _, d := range dropped {
			if f == d {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, f)
		}
	}
	return kept
}

// pinOpusProfile forces mono and the bitrate cap on the opus fmtp line,
// preserving unrelated parameters. Adds the line if the offer had none.
func pinOpusProfile(m *sdp.MediaDescription, pt string, maxBitrate int) {
	pinned := fmt.Sprintf("stereo=0;sprop-stereo=0;maxaveragebitrate=%d", maxBitrate)

	for i, a := range m.Attributes {
		if a.Key != "fmtp" {
			continue
		}
		ptPart, params, ok := strings.Cut(a.Value, " ")
		if !ok || ptPart != pt {
			continue
		}
		var keep []string
		for _, kv := range strings.Split(params, ";") {
			key, _, _ := strings.Cut(kv, "=")
			switch strings.TrimSpace(key) {
			case "stereo", "sprop-stereo", "maxaveragebitrate":
			default:
				keep = append(keep, kv)
			}
		}
		keep = append(keep, strings.Split(pinned, ";")...)
		m.Attributes[i].Value = pt + " " + strings.Join(keep, ";")
		return
	}

	m.Attributes = append(m.Attributes, sdp.Attribute{Key: "fmtp", Value: pt + " " + pinned})
}
