package capability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/petrelhq/petrel/pkg/models"
)

// ProbeResult is the outcome of one readiness evaluation.
type ProbeResult struct {
	Status models.CapabilityStatus

	// Detail explains a non-ready status in user-facing terms.
	Detail string
}

// Probe evaluates whether a capability is usable right now. A nil Probe
// means always ready.
type Probe func(ctx context.Context) ProbeResult

// Ready is the result every probe degenerates to when nothing is wrong.
var Ready = ProbeResult{Status: models.StatusReady}

// StaticProbe always reports the given result. Used when readiness is
// decided at registration time, such as a config switch.
func StaticProbe(status models.CapabilityStatus, detail string) Probe {
	return func(context.Context) ProbeResult {
		return ProbeResult{Status: status, Detail: detail}
	}
}

// BinaryProbe reports needs_setup unless every binary is on PATH.
func BinaryProbe(bins ...string) Probe {
	return func(context.Context) ProbeResult {
		for _, bin := range bins {
			if _, err := exec.LookPath(bin); err != nil {
				return ProbeResult{
					Status: models.StatusNeedsSetup,
					Detail: "missing binary: " + bin,
				}
			}
		}
		return Ready
	}
}

// AnyBinaryProbe reports needs_setup unless at least one binary is on PATH.
func AnyBinaryProbe(bins ...string) Probe {
	return func(context.Context) ProbeResult {
		for _, bin := range bins {
			if _, err := exec.LookPath(bin); err == nil {
				return Ready
			}
		}
		return ProbeResult{
			Status: models.StatusNeedsSetup,
			Detail: "requires one of: " + strings.Join(bins, ", "),
		}
	}
}

// EnvProbe reports needs_auth unless every variable is present in the
// process environment or the supplied overlay.
func EnvProbe(vars []string, overlay map[string]string) Probe {
	return func(context.Context) ProbeResult {
		for _, v := range vars {
			if _, ok := os.LookupEnv(v); ok {
				continue
			}
			if _, ok := overlay[v]; ok {
				continue
			}
			return ProbeResult{
				Status: models.StatusNeedsAuth,
				Detail: "missing environment variable: " + v,
			}
		}
		return Ready
	}
}

// CommandProbe runs a command and reports needs_setup when it exits
// non-zero. Used for interpreter and package checks, for example
// python3 -c "import yaml".
func CommandProbe(timeout time.Duration, bin string, args ...string) Probe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(ctx context.Context) ProbeResult {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := exec.CommandContext(runCtx, bin, args...).Run(); err != nil {
			return ProbeResult{
				Status: models.StatusNeedsSetup,
				Detail: fmt.Sprintf("%s check failed: %v", bin, err),
			}
		}
		return Ready
	}
}

// ReachableProbe reports unavailable unless the endpoint answers.
// http(s) URLs are probed with a HEAD request where any response counts
// as reachable; other endpoints are a plain TCP dial to host:port.
func ReachableProbe(endpoint string, timeout time.Duration) Probe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(ctx context.Context) ProbeResult {
		unreachable := func(err error) ProbeResult {
			return ProbeResult{
				Status: models.StatusUnavailable,
				Detail: fmt.Sprintf("unreachable: %s: %v", endpoint, err),
			}
		}
		if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, endpoint, nil)
			if err != nil {
				return unreachable(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return unreachable(err)
			}
			resp.Body.Close()
			return Ready
		}

		addr := endpoint
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			addr = u.Host
		}
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return unreachable(err)
		}
		conn.Close()
		return Ready
	}
}

// AllOf chains probes and returns the first non-ready result.
func AllOf(probes ...Probe) Probe {
	return func(ctx context.Context) ProbeResult {
		for _, probe := range probes {
			if probe == nil {
				continue
			}
			if res := probe(ctx); res.Status != models.StatusReady {
				return res
			}
		}
		return Ready
	}
}
