package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.RouteTTL != 120*time.Second {
		t.Fatalf("routeTTL default = %v", cfg.Gateway.RouteTTL)
	}
	if cfg.Gateway.RouteFailFast != 10*time.Second {
		t.Fatalf("routeFailFast default = %v", cfg.Gateway.RouteFailFast)
	}
	if cfg.Gateway.IdemFailFast != 10*time.Second {
		t.Fatalf("idemFailFast default = %v", cfg.Gateway.IdemFailFast)
	}
	if cfg.Server.WsPath != "/ws" {
		t.Fatalf("wsPath default = %q", cfg.Server.WsPath)
	}
	if cfg.Gateway.ResendLimit != 200 {
		t.Fatalf("resendLimit default = %d", cfg.Gateway.ResendLimit)
	}
}

func TestRouteAndIdemFailFastAreIndependent(t *testing.T) {
	var c AppConfig
	c.Gateway.RouteFailFast = 3 * time.Second
	c.Gateway.IdemFailFast = 25 * time.Second
	c.applyDefaults()
	if c.Gateway.RouteFailFast != 3*time.Second || c.Gateway.IdemFailFast != 25*time.Second {
		t.Fatalf("fail-fast windows must not share a knob: route=%v idem=%v",
			c.Gateway.RouteFailFast, c.Gateway.IdemFailFast)
	}
}
