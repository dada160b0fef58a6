package diag

import (
	"context"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// ProbeResult is a single bandwidth measurement.
type ProbeResult struct {
	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64
	ISP          string
	ServerName   string
	Duration     time.Duration
}

// Prober measures the local link once.
type Prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

const (
	probeCandidates  = 5
	probeConnections = 4
)

// speedtestProber measures against speedtest.net: the nearest candidates are
// pinged and the lowest-latency one runs a full download/upload test.
type speedtestProber struct{}

// NewSpeedtestProber returns the default Prober.
func NewSpeedtestProber() Prober { return speedtestProber{} }

func (speedtestProber) Probe(ctx context.Context) (ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return ProbeResult{}, err
	}
	start := time.Now()

	// Fresh client per probe; speedtest-go keeps per-run snapshots and
	// package-level state that must not leak between probes.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     true,
		MaxConnections: probeConnections,
	}))
	stc.SetNThread(probeConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return ProbeResult{}, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := probeCandidates
	if n > len(servers) {
		n = len(servers)
	}

	var best *st.Server
	for _, s := range servers[:n] {
		if err := ctx.Err(); err != nil {
			return ProbeResult{}, err
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return ProbeResult{}, fmt.Errorf("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return ProbeResult{}, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return ProbeResult{}, fmt.Errorf("upload test: %w", err)
	}

	return ProbeResult{
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		PingMs:       float64(best.Latency.Milliseconds()),
		ISP:          user.Isp,
		ServerName:   best.Sponsor,
		Duration:     time.Since(start),
	}, nil
}
