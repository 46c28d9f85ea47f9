package orchestrator

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/gencontext"
	"github.com/websmith/websmith/internal/ports"
)

const preflightTimeout = 5 * time.Second

// preflight checks the container runtime, the JS runtime, and the
// allocated ports. Everything here is a warning; the run proceeds and the
// agents see the result in the generation context.
func (o *Orchestrator) preflight(ctx context.Context) gencontext.PreflightResult {
	res := gencontext.PreflightResult{CheckedAt: time.Now().UTC()}

	res.DockerAvailable, res.DockerVersion = o.checkDocker(ctx)
	if !res.DockerAvailable {
		o.log.Warn("docker not available, container services will not start")
	}

	res.NodeAvailable, res.NodeVersion = checkNode(ctx)
	if !res.NodeAvailable {
		o.log.Warn("node not available, generated servers cannot be run locally")
	}

	for _, port := range []int{
		o.genCtx.Ports.API,
		o.genCtx.Ports.UI,
		o.genCtx.Ports.DB,
		o.genCtx.Ports.BackendInternal,
	} {
		if !ports.Probe(port) {
			res.BlockedPorts = append(res.BlockedPorts, port)
		}
	}
	if len(res.BlockedPorts) > 0 {
		o.log.Warn("allocated ports became blocked", zap.Ints("ports", res.BlockedPorts))
	}

	return res
}

func (o *Orchestrator) checkDocker(ctx context.Context) (bool, string) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if o.cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(o.cfg.Docker.Host))
	}
	if o.cfg.Docker.APIVersion != "" {
		opts = append(opts, client.WithVersion(o.cfg.Docker.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		o.log.Warn("docker client init failed", zap.Error(err))
		return false, ""
	}
	defer func() { _ = cli.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	ping, err := cli.Ping(pingCtx)
	if err != nil {
		return false, ""
	}
	return true, ping.APIVersion
}

func checkNode(ctx context.Context) (bool, string) {
	cmdCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, "node", "--version").Output()
	if err != nil {
		return false, ""
	}
	return true, strings.TrimSpace(string(out))
}
