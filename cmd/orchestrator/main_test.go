package main

import (
	"testing"

	"github.com/sliceforge/orchestrator/internal/config"
)

func TestAgentAddrResolver_DefaultsPortWhenUnset(t *testing.T) {
	resolve := agentAddrResolver(config.ZoneConfig{})
	if got, want := resolve("worker1"), "http://worker1:7777"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAgentAddrResolver_UsesConfiguredPort(t *testing.T) {
	resolve := agentAddrResolver(config.ZoneConfig{
		LinuxAgent: &config.LinuxAgentConfig{DefaultPort: 9000},
	})
	if got, want := resolve("worker2"), "http://worker2:9000"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestZoneSource_CarriesTelemetryConfig(t *testing.T) {
	cfg := config.ZoneConfig{
		Telemetry: config.ZoneTelemetryConfig{
			HeadnodeJob:      "blackbox-headnodes",
			HeadnodeInstance: "192.168.203.1",
			WorkerJob:        "blackbox-workers-linux",
			Instances:        map[string]string{"worker1": "192.168.201.2:9100"},
			IPs:              map[string]string{"worker1": "192.168.201.2"},
		},
	}
	src := zoneSource(nil, cfg)
	if src.HeadnodeJob != "blackbox-headnodes" || src.WorkerJob != "blackbox-workers-linux" {
		t.Fatalf("expected telemetry job names carried through, got %+v", src)
	}
	if src.Instances["worker1"] != "192.168.201.2:9100" {
		t.Fatalf("expected worker instance mapping carried through, got %+v", src.Instances)
	}
}
