package main

import (
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"dnsgate/internal/core"
	"dnsgate/internal/dnsproxy"
	"dnsgate/internal/gateway"
	"dnsgate/internal/platform"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults if empty)")
	tunFD := flag.Int("tun-fd", -1, "File descriptor of the pre-opened tunnel device")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dnsgate %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if *tunFD < 0 {
		log.Fatalf("[Core] -tun-fd is required: dnsgate does not open the tunnel device itself")
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg := core.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = core.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("[Core] Failed to load config: %v", err)
		}
	}
	core.Log.Apply(cfg.Log)
	core.Log.Infof("Core", "dnsgate %s starting...", version)

	upstreams, err := cfg.UpstreamAddrs()
	if err != nil {
		log.Fatalf("[Core] %v", err)
	}
	syntheticCIDR, err := netip.ParsePrefix(cfg.DNS.SyntheticCIDR)
	if err != nil {
		log.Fatalf("[Core] Invalid synthetic_cidr: %v", err)
	}
	mapper, err := dnsproxy.NewServerMapper(upstreams, syntheticCIDR)
	if err != nil {
		log.Fatalf("[Core] %v", err)
	}
	for _, addr := range mapper.SyntheticAddrs() {
		core.Log.Infof("Core", "Advertise resolver %s on the tunnel", addr)
	}

	bus := core.NewEventBus()
	var blockedTotal atomic.Uint64
	bus.Subscribe(core.EventQueryBlocked, func(core.Event) {
		blockedTotal.Add(1)
	})
	bus.Subscribe(core.EventStatusChanged, func(e core.Event) {
		if p, ok := e.Payload.(core.StatusPayload); ok && p.New == core.StatusReconnecting {
			core.Log.Warnf("Core", "Tunnel lost, reconnecting (session %s)", p.SessionID)
		}
	})

	provisioner, err := platform.NewFDProvisioner(*tunFD, cfg.Tunnel.ProtectMark)
	if err != nil {
		log.Fatalf("[Core] %v", err)
	}

	filter := newStaticFilter(cfg.DNS.Blocklist)
	worker := gateway.NewWorker(provisioner, mapper, filter, bus, cfg.Watchdog.Enabled)
	if err := worker.Start(); err != nil {
		log.Fatalf("[Core] Failed to start gateway: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	core.Log.Infof("Core", "Received %s, shutting down", s)

	worker.Stop()
	if err := provisioner.Close(); err != nil {
		core.Log.Warnf("Core", "Close tunnel fd: %v", err)
	}
	core.Log.Infof("Core", "Blocked %d queries this run", blockedTotal.Load())
}

// staticFilter answers Blocked by exact match against the configured name
// set. Names are stored in the codec's canonical form (lowercase, trailing
// dot) so lookups are a map hit.
type staticFilter struct {
	names map[string]struct{}
}

func newStaticFilter(blocklist []string) *staticFilter {
	f := &staticFilter{names: make(map[string]struct{}, len(blocklist))}
	for _, name := range blocklist {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if !strings.HasSuffix(name, ".") {
			name += "."
		}
		f.names[name] = struct{}{}
	}
	core.Log.Infof("Core", "Blocklist loaded, %d names", len(f.names))
	return f
}

func (f *staticFilter) Blocked(name string) bool {
	_, ok := f.names[name]
	return ok
}
