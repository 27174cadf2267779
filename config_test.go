package gdnet

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadHostConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yml")

	contents := `
host: 127.0.0.1
port: 19091
max_peers: 64
max_channels: 4
bandwidth_in: 100000
bandwidth_out: 50000
compress: true
checksum: true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadHostConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if config.Host != "127.0.0.1" || config.Port != 19091 {
		t.Fatalf("address = %s:%d", config.Host, config.Port)
	}
	if config.MaxPeers != 64 || config.MaxChannels != 4 {
		t.Fatalf("limits = %d peers, %d channels", config.MaxPeers, config.MaxChannels)
	}
	if config.BandwidthIn != 100000 || config.BandwidthOut != 50000 {
		t.Fatalf("bandwidth = %d/%d", config.BandwidthIn, config.BandwidthOut)
	}
	if !config.Compress || !config.Checksum {
		t.Fatal("compress/checksum flags not parsed")
	}

	address, err := config.Address()
	if err != nil {
		t.Fatal(err)
	}
	if address.String() != "127.0.0.1:19091" {
		t.Fatalf("resolved address = %s", address)
	}
}

func TestLoadHostConfigMissingFile(t *testing.T) {
	if _, err := LoadHostConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestHostConfigDefaults(t *testing.T) {
	config := &HostConfig{}

	host, err := config.NewHost()
	if err != nil {
		t.Fatal(err)
	}
	defer host.Destroy()

	if host.PeerCount() != defaultMaxPeers {
		t.Fatalf("peer count = %d, want %d", host.PeerCount(), defaultMaxPeers)
	}
}

func TestSplitEndpoint(t *testing.T) {
	host, port, err := SplitEndpoint("example.org:7777")
	if err != nil || host != "example.org" || port != 7777 {
		t.Fatalf("split = %q,%d,%v", host, port, err)
	}

	if _, _, err := SplitEndpoint("no-port"); err == nil {
		t.Fatal("endpoint without port should fail")
	}
}
