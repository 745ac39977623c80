// Package proxy materializes and supervises the squid egress proxy
// container every algorithm container's outbound traffic is forced through.
package proxy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/log"
)

//go:embed squid.conf.tmpl
var squidConfTemplate string

const (
	// Address is the address algorithm containers reach the proxy at, once
	// both are attached to the node's private network under the squid alias.
	Address = "http://squid:3128"

	defaultImage = "vantage6/squid:latest"
	hostname     = "squid"
)

// Whitelist configures what traffic the proxy permits.
type Whitelist struct {
	Domains []string
	IPs     []string
	Ports   []int
}

// RenderConfig renders squid.conf from wl. Ports defaults to 443 and 80 if
// unset, since a proxy that forwards to nothing is never useful.
func RenderConfig(wl Whitelist) (string, error) {
	ports := wl.Ports
	if len(ports) == 0 {
		ports = []int{80, 443}
	}

	funcs := sprig.TxtFuncMap()
	funcs["join"] = func(sep string, items []int) string {
		strs := make([]string, len(items))
		for i, p := range items {
			strs[i] = strconv.Itoa(p)
		}
		return strings.Join(strs, sep)
	}

	tmpl, err := template.New("squid.conf").Funcs(funcs).Parse(squidConfTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing squid.conf template: %w", err)
	}

	var buf strings.Builder
	data := struct {
		Domains []string
		IPs     []string
		Ports   []int
	}{wl.Domains, wl.IPs, ports}

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering squid.conf: %w", err)
	}
	return buf.String(), nil
}

// Controller owns the squid container's lifecycle.
type Controller struct {
	sidecar   container.SidecarManager
	nodeName  string
	image     string
	configDir string
	networkID string
	container string
}

// New returns a Controller for the node named nodeName. configDir is the
// host directory mounted into the squid container at /etc/squid/conf.d/.
func New(sidecar container.SidecarManager, nodeName, configDir string) *Controller {
	return &Controller{
		sidecar:   sidecar,
		nodeName:  nodeName,
		image:     defaultImage,
		configDir: configDir,
	}
}

func (c *Controller) containerName() string {
	return fmt.Sprintf("vantage6-%s-squid", c.nodeName)
}

// Start renders the config, writes it to configDir, and starts (or
// replaces) the squid container attached to networkID under the "squid"
// alias.
func (c *Controller) Start(ctx context.Context, networkID string, wl Whitelist) error {
	rendered, err := RenderConfig(wl)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.configDir, 0755); err != nil {
		return fmt.Errorf("creating squid config dir: %w", err)
	}
	confPath := filepath.Join(c.configDir, "squid.conf")
	if err := os.WriteFile(confPath, []byte(rendered), 0600); err != nil {
		return fmt.Errorf("writing squid.conf: %w", err)
	}

	c.networkID = networkID
	id, err := c.sidecar.StartSidecar(ctx, container.SidecarConfig{
		Image:          c.image,
		Name:           c.containerName(),
		Hostname:       hostname,
		NetworkID:      networkID,
		NetworkAliases: []string{hostname},
		RestartPolicy:  "always",
		Mounts: []container.MountConfig{
			{Source: c.configDir, Target: "/etc/squid/conf.d", ReadOnly: true},
		},
		Labels: map[string]string{
			container.LabelNode: c.nodeName,
		},
	})
	if err != nil {
		return fmt.Errorf("starting squid proxy: %w", err)
	}
	c.container = id
	log.Info("squid proxy started", "container", id)
	return nil
}

// Stop force-removes the squid container. It is a no-op if Start was never
// called.
func (c *Controller) Stop(ctx context.Context, rt container.Runtime) error {
	if c.container == "" {
		return nil
	}
	return rt.RemoveContainer(ctx, c.container)
}
