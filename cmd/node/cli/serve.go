package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantage6/node/internal/config"
	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/database"
	"github.com/vantage6/node/internal/engine"
	"github.com/vantage6/node/internal/log"
	"github.com/vantage6/node/internal/network"
	"github.com/vantage6/node/internal/nodeclient"
	"github.com/vantage6/node/internal/policy"
	"github.com/vantage6/node/internal/proxy"
	"github.com/vantage6/node/internal/registry"
	"github.com/vantage6/node/internal/vpn"
)

var offline bool

const cleanupTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node's Docker execution core",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&offline, "offline", false, "run without a server connection (always-admit, no VPN ports)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := container.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer rt.Close()

	if err := rt.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker daemon: %w", err)
	}

	// The HTTP/socket connection to the federation server is out of scope
	// for this execution core; every run behaves as if --offline was
	// passed. The flag exists so the intent is explicit at the call site.
	if !offline {
		log.Warn("no server transport wired, running in offline mode regardless of --offline")
	}
	var client nodeclient.Client = nodeclient.Noop{}

	registry.LoginAll(ctx, rt, cfg.Registries)

	netMgr := network.New(rt.NetworkManager(), cfg.NodeName)
	networkID, err := netMgr.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("ensuring private network: %w", err)
	}
	log.Info("node network ready", "network", networkID)

	proxyConfigDir := filepath.Join(config.DataDir(), "proxy")
	proxyCtrl := proxy.New(rt.SidecarManager(), cfg.NodeName, proxyConfigDir)
	if err := proxyCtrl.Start(ctx, networkID, proxy.Whitelist(cfg.Proxy)); err != nil {
		return fmt.Errorf("starting squid proxy: %w", err)
	}

	var vpnMgr *vpn.Manager
	if cfg.VPN.Enabled {
		vpnConfigDir := filepath.Join(config.DataDir(), "vpn")
		vpnMgr = vpn.New(rt.SidecarManager(), client, cfg.NodeName, cfg.VPN.Image, vpnConfigDir)
		if err := vpnMgr.Start(ctx, networkID); err != nil {
			return fmt.Errorf("starting vpn client: %w", err)
		}
	}

	gate, err := policy.New(cfg.Policies, client)
	if err != nil {
		return fmt.Errorf("compiling policies: %w", err)
	}

	dbBinder := database.New(cfg.Databases, cfg.TasksDir)

	eng := engine.New(engine.Deps{
		Runtime:      rt,
		Network:      netMgr,
		Proxy:        proxyCtrl,
		VPN:          vpnMgr,
		Gate:         gate,
		DBBinder:     dbBinder,
		Client:       client,
		NodeName:     cfg.NodeName,
		TasksDir:     cfg.TasksDir,
		AlgorithmEnv: cfg.AlgorithmEnv,
		DeviceGPU:    cfg.AlgorithmDeviceRequests.GPU,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received, tearing down")
		cancel()
	}()

	log.Info("node ready", "node", cfg.NodeName)
	<-ctx.Done()

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cleanupCancel()
	return eng.Cleanup(cleanupCtx)
}
