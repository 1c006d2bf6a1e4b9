package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agora-collab/realtime/internal/adapters/rtc"
	"github.com/agora-collab/realtime/internal/adapters/ws"
	"github.com/agora-collab/realtime/internal/auth"
	"github.com/agora-collab/realtime/internal/call"
	"github.com/agora-collab/realtime/internal/channel"
	"github.com/agora-collab/realtime/internal/config"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/media"
)

func main() {
	channels := flag.String("channels", "", "comma-separated channel ids to join")
	callIn := flag.String("call", "", "channel id to start a call in")
	audioOnly := flag.Bool("audio-only", false, "start the call without video")
	status := flag.String("status", "", "broadcast a presence status after connecting")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	self, err := domain.NewUser(cfg.DisplayName)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid display name")
	}

	var provider auth.Provider = auth.Static{Token: cfg.Token, User: *self}

	dialer := &ws.Dialer{
		Endpoint:   cfg.Endpoint,
		Auth:       provider,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	manager := channel.NewManager(dialer)
	defer manager.DisconnectAll()

	capture, err := media.NewCapture()
	if err != nil {
		log.Fatal().Err(err).Msg("media capture unavailable")
	}
	peers, err := rtc.NewFactory(rtc.ConfigFromURLs(cfg.ICEServers), capture)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup failed")
	}
	orch := call.NewOrchestrator(manager, capture, peers, *self)

	events, stop := manager.SubscribeAll()
	defer stop()
	go logEvents(events)
	go logCallErrors(orch.Errors())

	for _, id := range splitChannels(*channels) {
		manager.Connect(ctx, id)
	}
	if *status != "" {
		manager.BroadcastStatus(*status)
	}

	if *callIn != "" {
		id := domain.ChannelID(*callIn)
		manager.Connect(ctx, id)
		if err := orch.StartCall(ctx, id, *audioOnly); err != nil {
			log.Error().Err(err).Msg("call failed to start")
		}
	}

	<-ctx.Done()
	orch.EndCall()
	log.Info().Msg("client exited")
}

func splitChannels(raw string) []domain.ChannelID {
	var ids []domain.ChannelID
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, domain.ChannelID(part))
		}
	}
	return ids
}

func logEvents(events <-chan channel.Event) {
	for ev := range events {
		log.Info().
			Str("channel", string(ev.ChannelID)).
			Str("type", ev.Message.Type).
			Str("from", string(ev.Message.Sender())).
			Msg("event")
	}
}

func logCallErrors(errs <-chan call.Error) {
	for e := range errs {
		log.Warn().Str("op", e.Op).Msg(e.Message)
	}
}
