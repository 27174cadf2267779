package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"

	"github.com/empyreanx/gdnet"
)

func parseEndpoint(endpoint string) (gdnet.Address, error) {
	host, port, err := gdnet.SplitEndpoint(endpoint)
	if err != nil {
		return gdnet.Address{}, err
	}
	return gdnet.ResolveAddress(host, port)
}

// Echo server: sends every received packet straight back on the channel it
// arrived on.
func main() {
	configPath := flag.String("config", "", "YAML host configuration")
	listen := flag.String("listen", "127.0.0.1:19091", "listen address")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	gdnet.SetLogger(logger)

	var host *gdnet.Host
	var err error

	if *configPath != "" {
		config, cfgErr := gdnet.LoadHostConfig(*configPath)
		if cfgErr != nil {
			logger.Fatal().Err(cfgErr).Msg("loading config")
		}
		host, err = config.NewHost()
	} else {
		var address gdnet.Address
		address, err = parseEndpoint(*listen)
		if err == nil {
			host, err = gdnet.NewHost(&address, 32, 2, 0, 0)
		}
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("creating host")
	}
	defer host.Destroy()

	logger.Info().Stringer("address", host.LocalAddress()).Msg("serving")

	var event gdnet.Event
	for {
		if host.Service(&event, 100) <= 0 {
			continue
		}

		switch event.Type {
		case gdnet.EventConnect:
			logger.Info().Int("peer", event.Peer.ID()).Uint32("data", event.Data).Msg("peer connected")

		case gdnet.EventDisconnect:
			logger.Info().Int("peer", event.Peer.ID()).Uint32("data", event.Data).Msg("peer disconnected")

		case gdnet.EventReceive:
			echo := gdnet.NewPacket(event.Packet.Data, gdnet.PacketFlagReliable)
			event.Peer.Send(event.ChannelID, echo)
			event.Packet.Destroy()
		}
	}
}
