package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/relay"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		dialPeer = flag.String("dial", "", "peer ID to call")
		answerID = flag.String("answer", "", "call ID to accept")
		caller   = flag.String("caller", "", "caller peer ID when answering")
		localID  = flag.String("id", "", "local participant ID (default: random)")
		relayURL = flag.String("relay", "", "relay base URL (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *localID == "" {
		*localID = uuid.NewString()
	}

	if (*dialPeer == "") == (*answerID == "") {
		log.Fatal().Msg("exactly one of -dial or -answer is required")
	}

	registry := app.NewSessionRegistry(app.RegistryDeps{
		Relay: relay.NewWS(cfg.RelayURL),
		Media: func(ctx context.Context, callID domain.CallID, onLocalCandidate func(domain.CandidatePayload)) (core.MediaConnection, error) {
			return rtc.NewConnection(rtc.DefaultConfig(cfg.ICEServers), callID, onLocalCandidate)
		},
		LocalMedia:      rtc.NewSilenceTrack,
		Policy:          app.NewSdpPolicy(cfg.OpusMaxBitrate),
		Local:           domain.PeerID(*localID),
		ReconnectBudget: cfg.ReconnectBudget,
		SendAttempts:    cfg.SendAttempts,
		SendBackoff:     cfg.SendBackoff,
	})
	defer registry.Shutdown()

	var session *app.CallSession
	if *dialPeer != "" {
		session, err = registry.Dial(ctx, domain.PeerID(*dialPeer))
	} else {
		session, err = registry.Accept(ctx, domain.CallID(*answerID), domain.PeerID(*caller))
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start call")
	}
	log.Info().Str("call", string(session.CallID())).Str("role", string(session.Role())).Msg("call started")

	for {
		select {
		case <-ctx.Done():
			registry.End(session.CallID())
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case app.StateChangedEvent:
				log.Info().Str("state", string(e.State)).Msg("session state")
			case app.ConnectivityEvent:
				log.Info().Str("state", e.State.String()).Msg("connectivity")
			case app.RemoteMediaEvent:
				log.Info().Msg("remote audio arrived")
			case app.FatalErrorEvent:
				log.Error().Err(e.Err).Msg("fatal call error, hanging up")
				registry.End(session.CallID())
			case app.EndedEvent:
				log.Info().Str("state", string(e.State)).Msg("call over")
				return
			}
		}
	}
}
