package commsutil

import (
	"testing"

	comms "github.com/nats-io/nats.go"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnect_InvalidURL(t *testing.T) {
	nc, err := Connect("invalid://not-a-nats-server", "test-client")
	if err == nil {
		if nc != nil {
			nc.Close()
		}
		t.Fatalf("%s - expected error for invalid URL", connectTestPrefix)
	}
	if nc != nil {
		t.Errorf("%s - expected nil connection on error", connectTestPrefix)
	}
}

func TestConnect_ExtraOptionsOverrideDefaults(t *testing.T) {
	bus, err := StartLocalBus(LocalBusOptions{Port: -1})
	if err != nil {
		t.Fatalf("%s - StartLocalBus failed: %v", connectTestPrefix, err)
	}
	defer bus.Shutdown()

	nc, err := Connect(bus.ClientURL(), "override-client", comms.MaxReconnects(-1))
	if err != nil {
		t.Fatalf("%s - Connect failed: %v", connectTestPrefix, err)
	}
	defer nc.Close()

	if nc.Opts.MaxReconnect != -1 {
		t.Errorf("%s - MaxReconnect = %d, want -1", connectTestPrefix, nc.Opts.MaxReconnect)
	}
	if nc.Opts.Name != "override-client" {
		t.Errorf("%s - Name = %q, want override-client", connectTestPrefix, nc.Opts.Name)
	}
}
