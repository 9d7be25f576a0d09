package testutil

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

// EmbeddedEtcd is a single-member etcd server bound to loopback ports.
type EmbeddedEtcd struct {
	Server    *embed.Etcd
	Endpoints []string
}

// StartEmbeddedEtcd launches an etcd member in a temp dir and stops it on test cleanup.
func StartEmbeddedEtcd(t testing.TB) *EmbeddedEtcd {
	t.Helper()

	peerURL := loopbackURL(t)
	clientURL := loopbackURL(t)

	cfg := embed.NewConfig()
	cfg.Name = "jobcooldown-test"
	cfg.Dir = t.TempDir()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	cfg.EnableGRPCGateway = false
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}

	server, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("start embedded etcd: %v", err)
	}

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(15 * time.Second):
		server.Server.Stop()
		<-server.Server.StopNotify()
		t.Fatalf("embedded etcd not ready after 15s")
	}

	t.Cleanup(func() {
		server.Close()
		select {
		case <-server.Server.StopNotify():
		case <-time.After(5 * time.Second):
		}
	})

	endpoints := make([]string, 0, len(server.Clients))
	for _, listener := range server.Clients {
		endpoints = append(endpoints, listener.Addr().String())
	}
	return &EmbeddedEtcd{Server: server, Endpoints: endpoints}
}

func loopbackURL(t testing.TB) url.URL {
	t.Helper()
	parsed, err := url.Parse("http://127.0.0.1:0")
	if err != nil {
		t.Fatalf("parse loopback url: %v", err)
	}
	return *parsed
}
