package rtc

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

const sampleInterval = 20 * time.Millisecond

// silentOpusFrame is a minimal opus packet decoding to 20ms of silence.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// SilenceTrack is a stand-in outgoing audio source: a mono opus track fed
// with silence frames. Real microphone capture belongs to the surrounding
// application; the engine only needs something to negotiate and own.
type SilenceTrack struct {
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
}

func NewSilenceTrack(ctx context.Context) (core.LocalMedia, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "peercall",
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &SilenceTrack{track: track, cancel: cancel}
	go t.pump(ctx)
	return t, nil
}

func (t *SilenceTrack) pump(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := t.track.WriteSample(media.Sample{Data: silentOpusFrame, Duration: sampleInterval})
			if err != nil {
				log.Warn().Err(err).Str("module", "rtc").Msg("silence write failed")
			}
		}
	}
}

func (t *SilenceTrack) Track() webrtc.TrackLocal { return t.track }

// Stop halts the writer. Safe to call more than once.
func (t *SilenceTrack) Stop() { t.cancel() }
