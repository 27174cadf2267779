package main

import (
	"flag"
	"os"
	"time"

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

// Ping client: connects through the async wrapper, sends a reliable message
// every second and logs the echoes.
func main() {
	server := flag.String("server", "127.0.0.1:19091", "server address")
	message := flag.String("message", "hello", "payload to send")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	gdnet.SetLogger(logger)

	address, err := parseEndpoint(*server)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad server address")
	}

	host := gdnet.NewAsyncHost()
	host.SetMaxChannels(2)
	if err := host.Bind(nil); err != nil {
		logger.Fatal().Err(err).Msg("binding host")
	}
	defer host.Unbind()

	peerID, err := host.Connect(address, 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect failed")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		for host.IsEventAvailable() {
			event := host.GetEvent()

			switch event.Type {
			case gdnet.EventConnect:
				logger.Info().Int("peer", event.PeerID).Msg("connected")

			case gdnet.EventDisconnect:
				logger.Info().Int("peer", event.PeerID).Msg("disconnected")
				return

			case gdnet.EventReceive:
				logger.Info().Str("payload", string(event.Packet)).Msg("echo")
			}
		}

		<-ticker.C

		if err := host.SendPacket([]byte(*message), peerID, 0, gdnet.MessageReliable); err != nil {
			logger.Warn().Err(err).Msg("send failed")
		}
	}
}
