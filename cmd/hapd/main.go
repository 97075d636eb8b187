// Command hapd runs the accessory-side HomeKit Accessory Protocol daemon:
// it serves Pair-Setup, Pair-Verify, /pairings, and the accessory database
// to controllers on the configured port, and advertises itself over mDNS.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/zhangjianshe/hapd/internal/config"
	"github.com/zhangjianshe/hapd/internal/logging"
	"github.com/zhangjianshe/hapd/pkg/accessory"
	"github.com/zhangjianshe/hapd/pkg/event"
	"github.com/zhangjianshe/hapd/pkg/mdnsadv"
	"github.com/zhangjianshe/hapd/pkg/pairing"
	"github.com/zhangjianshe/hapd/pkg/store"
	"github.com/zhangjianshe/hapd/pkg/uuid"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "hapd.yaml", "path to the daemon's YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hapd: load config:", err)
		os.Exit(1)
	}

	logging.Init(cfg.Log)
	log.Logger = logging.Logger

	backend, err := store.FileBackend(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StorePath).Msg("open store")
	}
	st, err := store.Open(backend)
	if err != nil {
		log.Fatal().Err(err).Msg("init store")
	}
	defer st.Close()

	accessoryID := uuid.DeriveMAC([]byte(cfg.Name + cfg.Serial))

	advertiser, err := mdnsadv.New(mdnsadv.Identity{
		Name:         cfg.Name,
		DeviceID:     accessoryID,
		Model:        cfg.Model,
		Category:     5, // Lightbulb, the simplest widely-supported category
		Port:         cfg.Port,
		ConfigNumber: 1,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("start mdns advertiser")
	}
	defer advertiser.Close()

	facade := accessory.New(pairing.Config{
		AccessoryID: accessoryID,
		SetupCode:   cfg.SetupCode,
		MaxPeers:    cfg.MaxPeers,
	}, st, advertiser)

	facade.Events().On(event.ConnectionOpened, func(arg any) {
		log.Debug().Interface("remote", arg).Msg("connection opened")
	})
	facade.Events().On(event.ConnectionClosed, func(arg any) {
		log.Debug().Interface("remote", arg).Msg("connection closed")
	})

	facade.SetAccessories([]*accessory.Accessory{
		{
			AID: 1,
			Services: []*accessory.Service{
				accessory.ServiceAccessoryInformation(
					"hapd", cfg.Model, cfg.Name, cfg.Serial, cfg.Firmware,
				),
				accessory.ServiceHAPProtocolInformation(),
			},
		},
	})

	if err := facade.Begin(); err != nil {
		log.Fatal().Err(err).Msg("begin accessory")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Fatal().Err(err).Int("port", cfg.Port).Msg("listen")
	}
	log.Info().Int("port", cfg.Port).Str("id", accessoryID).Msg("hapd listening")

	if err := facade.Serve(ln); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}
