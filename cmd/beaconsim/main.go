// Command beaconsim runs an officer device and a member device against a
// live server over a simulated radio: the officer creates and broadcasts a
// session, the member detects it and checks in automatically.
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/apiclient"
	"github.com/rollcall/ble-attendance/internal/beacon"
	"github.com/rollcall/ble-attendance/internal/proximity"
	"github.com/rollcall/ble-attendance/internal/radio"
	"github.com/rollcall/ble-attendance/internal/token"
)

type simConfig struct {
	ServerURL      string        `env:"SIM_SERVER_URL" envDefault:"http://localhost:8080"`
	OfficerToken   string        `env:"SIM_OFFICER_TOKEN,required"`
	MemberToken    string        `env:"SIM_MEMBER_TOKEN,required"`
	OrgID          string        `env:"SIM_ORG_ID,required"`
	OrgSlug        string        `env:"SIM_ORG_SLUG" envDefault:"nhs"`
	Title          string        `env:"SIM_TITLE" envDefault:"Simulated Meeting"`
	SessionTTL     time.Duration `env:"SIM_SESSION_TTL" envDefault:"15m"`
	RunFor         time.Duration `env:"SIM_DURATION" envDefault:"1m"`
	BeaconUUID     string        `env:"BEACON_UUID" envDefault:"e2c56db5-dffb-48d2-b060-d0f5a71096e0"`
	BeaconOrgCodes string        `env:"BEACON_ORG_CODES" envDefault:"nhs:1,nhsa:2"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Msg("failed to load .env")
	}
	var cfg simConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to parse config")
	}

	registry, err := beacon.ParseRegistry(cfg.BeaconOrgCodes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid BEACON_ORG_CODES")
	}
	codec := beacon.NewCodec(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunFor)
	defer cancel()

	ether := radio.NewEther()
	org := proximity.StaticOrg{ID: cfg.OrgID, Slug: cfg.OrgSlug}
	officerAPI := apiclient.New(cfg.ServerURL, cfg.OfficerToken)
	memberAPI := apiclient.New(cfg.ServerURL, cfg.MemberToken)

	deploymentUUID, err := uuid.Parse(cfg.BeaconUUID)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid BEACON_UUID")
	}

	officer, err := proximity.New(proximity.Deps{
		Radio: radio.NewSim(ether),
		API:   officerAPI,
		Org:   org,
		Codec: codec,
	}, proximity.Config{DeploymentUUID: deploymentUUID})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create officer device")
	}
	defer officer.Dispose()

	member, err := proximity.New(proximity.Deps{
		Radio: radio.NewSim(ether),
		API:   memberAPI,
		Org:   org,
		Codec: codec,
	}, proximity.Config{DeploymentUUID: deploymentUUID, AutoAttendance: true})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create member device")
	}
	defer member.Dispose()

	if err := officer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start officer device")
	}
	if err := member.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start member device")
	}

	created, err := officerAPI.CreateSession(ctx, apiclient.CreateSessionRequest{
		OrgID:      cfg.OrgID,
		Title:      cfg.Title,
		TTLSeconds: int(cfg.SessionTTL.Seconds()),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}
	log.Info().
		Str("session", token.Mask(created.SessionToken)).
		Uint16("major", created.Beacon.Major).
		Uint16("minor", created.Beacon.Minor).
		Time("expiresAt", created.ExpiresAt).
		Msg("session created")

	if _, err := officer.StartAttendanceSession(ctx, created.SessionToken, created.Beacon.Major); err != nil {
		log.Fatal().Err(err).Msg("failed to broadcast session")
	}
	if err := member.StartListening(ctx, radio.ScanModeLowLatency); err != nil {
		log.Fatal().Err(err).Msg("failed to start scanning")
	}

	states, unsubscribe := member.Subscribe()
	defer unsubscribe()
	watch(ctx, states)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = officer.StopAttendanceSession(shutdownCtx)
	if err := officerAPI.StopSession(shutdownCtx, created.SessionToken); err != nil {
		log.Warn().Err(err).Msg("failed to stop session")
	}
	log.Info().Msg("simulation finished")
}

// watch logs member state changes until ctx is done.
func watch(ctx context.Context, states <-chan proximity.State) {
	checkedIn := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			for _, ds := range s.DetectedSessions {
				if ds.CheckedIn && !checkedIn[ds.SessionToken] {
					checkedIn[ds.SessionToken] = true
					log.Info().Str("event", ds.EventTitle).Msg("member checked in")
				}
			}
			if s.LastError != nil {
				log.Warn().Str("code", string(s.LastError.Code)).Msg(s.LastError.Message)
			}
		}
	}
}
