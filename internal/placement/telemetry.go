package placement

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ZoneProbeConfig names the PromQL label values that locate a zone's
// headnode and worker blackbox jobs, and each worker's node_exporter
// instance string. These mirror original_source/vm_placement_api's
// WORKER_IPS/headnode_ips tables, made configurable instead of hardcoded.
type ZoneProbeConfig struct {
	HeadnodeJob      string // e.g. "blackbox-headnodes"
	HeadnodeInstance string // e.g. "192.168.203.1"
	WorkerJob        string // e.g. "blackbox-workers-linux"
	Workers          map[string]string // worker name -> node_exporter instance, e.g. "192.168.201.2:9100"
}

// Telemetry queries Prometheus for cluster/worker reachability and
// resource totals/usage, grounded on original_source/vm_placement_api's
// PrometheusClient query shapes.
type Telemetry struct {
	api     promv1.API
	timeout time.Duration
}

// NewTelemetry builds a Telemetry client against the given Prometheus base
// URL (e.g. "http://prometheus:9090").
func NewTelemetry(baseURL string, timeout time.Duration) (*Telemetry, error) {
	client, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("building prometheus client: %w", err)
	}
	return &Telemetry{api: promv1.NewAPI(client), timeout: timeout}, nil
}

func (t *Telemetry) scalar(ctx context.Context, query string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	val, warnings, err := t.api.Query(ctx, query, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("querying %q: %w", query, err)
	}
	for _, w := range warnings {
		_ = w // warnings are discarded; they are not fatal
	}
	vec, ok := val.(model.Vector)
	if !ok || len(vec) == 0 {
		return 0, nil
	}
	return float64(vec[0].Value), nil
}

// ClusterUp reports whether the zone's headnode answers its blackbox probe.
func (t *Telemetry) ClusterUp(ctx context.Context, cfg ZoneProbeConfig) (bool, error) {
	q := fmt.Sprintf(`probe_success{job=%q, instance=%q}`, cfg.HeadnodeJob, cfg.HeadnodeInstance)
	v, err := t.scalar(ctx, q)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// WorkerUp reports whether a single worker answers its blackbox probe.
func (t *Telemetry) WorkerUp(ctx context.Context, job, workerIP string) (bool, error) {
	q := fmt.Sprintf(`probe_success{job=%q, instance=%q}`, job, workerIP)
	v, err := t.scalar(ctx, q)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// WorkerMetrics fetches one worker's totals and 10-minute-average usage.
// instance is the node_exporter scrape target ("host:9100"); workerIP is
// the bare IP used by the worker blackbox probe.
func (t *Telemetry) WorkerMetrics(ctx context.Context, worker, instance, workerIP, workerJob string) (WorkerTelemetry, error) {
	totalCPU, err := t.scalar(ctx, fmt.Sprintf(
		`count(node_cpu_seconds_total{mode="idle", instance=%q}) by (instance)`, instance))
	if err != nil {
		return WorkerTelemetry{}, err
	}

	totalRAMBytes, err := t.scalar(ctx, fmt.Sprintf(`node_memory_MemTotal_bytes{instance=%q}`, instance))
	if err != nil {
		return WorkerTelemetry{}, err
	}

	totalDiskBytes, err := t.scalar(ctx, fmt.Sprintf(
		`node_filesystem_size_bytes{instance=%q, mountpoint="/", fstype!="tmpfs"}`, instance))
	if err != nil {
		return WorkerTelemetry{}, err
	}

	usedCPUPercent, err := t.scalar(ctx, fmt.Sprintf(
		`100 - (avg_over_time(avg by (instance) (rate(node_cpu_seconds_total{mode="idle", instance=%q}[5m]))[10m:]) * 100)`, instance))
	if err != nil {
		return WorkerTelemetry{}, err
	}

	usedRAMBytes, err := t.scalar(ctx, fmt.Sprintf(
		`avg_over_time((node_memory_MemTotal_bytes{instance=%q} - node_memory_MemAvailable_bytes{instance=%q})[10m:])`, instance, instance))
	if err != nil {
		return WorkerTelemetry{}, err
	}

	usedDiskBytes, err := t.scalar(ctx, fmt.Sprintf(
		`avg_over_time((node_filesystem_size_bytes{instance=%q, mountpoint="/", fstype!="tmpfs"} - node_filesystem_avail_bytes{instance=%q, mountpoint="/", fstype!="tmpfs"})[10m:])`, instance, instance))
	if err != nil {
		return WorkerTelemetry{}, err
	}

	up, err := t.WorkerUp(ctx, workerJob, workerIP)
	if err != nil {
		return WorkerTelemetry{}, err
	}

	const mib = 1024 * 1024
	const gib = 1024 * 1024 * 1024

	return WorkerTelemetry{
		Worker:    worker,
		Up:        up,
		TotalCPU:  totalCPU,
		TotalRAM:  totalRAMBytes / mib,
		TotalDisk: totalDiskBytes / gib,
		UsedCPU:   (usedCPUPercent / 100) * totalCPU,
		UsedRAM:   usedRAMBytes / mib,
		UsedDisk:  usedDiskBytes / gib,
	}, nil
}
