// Package linuxzone implements the linux-zone Cluster Driver (spec §4.5):
// an HTTP client to per-worker agents (out of this module's scope) that
// build qcow2 disks, create OVS TAPs, and start libvirt domains. Grounded
// on the teacher's internal/network.Manager — step-by-step operations each
// logged and wrapped with their own error context — translated from
// os/exec shell-outs to HTTP calls against the worker agent API.
package linuxzone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sliceforge/orchestrator/internal/config"
	"github.com/sliceforge/orchestrator/internal/drivers"
	"github.com/sliceforge/orchestrator/internal/model"
)

// Driver drives the per-worker agent HTTP API for the linux zone. It
// tracks each slice's VM-to-worker assignment in memory (populated at
// Deploy) so later pause/resume/shutdown/start calls, which only carry a
// slice or VM name, know which agent to call — the same tracking role
// original_source/vm_placement_api's PlacementTracker played with JSON
// files, kept here as an in-process map instead.
type Driver struct {
	httpClient *http.Client
	token      string
	timeout    time.Duration
	agentAddr  func(worker string) string
	workers    []string
	logger     *slog.Logger

	mu         sync.RWMutex
	workerOfVM map[int]map[string]string // sliceID -> vmName -> worker
}

// New builds a Driver against the configured per-worker agents. agentAddr
// resolves a worker name to its agent's base URL (e.g.
// "http://worker1:7777"); callers typically build it from cfg.Workers and
// cfg.LinuxAgent.DefaultPort. workers is the zone's full roster, used by
// image propagation which must reach every worker regardless of current
// placements.
func New(cfg config.LinuxAgentConfig, workers []string, agentAddr func(worker string) string, logger *slog.Logger) *Driver {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Driver{
		httpClient: &http.Client{Timeout: timeout},
		token:      cfg.Token,
		timeout:    timeout,
		agentAddr:  agentAddr,
		workers:    workers,
		logger:     logger,
		workerOfVM: make(map[int]map[string]string),
	}
}

func (d *Driver) allKnownWorkers() []string { return d.workers }

type agentVM struct {
	Name     string `json:"name"`
	Cores    int    `json:"cores"`
	RAMMiB   int    `json:"ram_mib"`
	DiskGiB  int    `json:"disk_gib"`
	Image    string `json:"image"`
	VLANs    []int  `json:"vlans"`
}

type deployRequest struct {
	SliceID int       `json:"slice_id"`
	VMs     []agentVM `json:"vms"`
}

type deployResponse struct {
	VNCByVM map[string]int `json:"vnc_by_vm"`
}

// Deploy groups the slice's VMs by assigned worker and asks each worker's
// agent to build its VMs, copying the VNC displays each agent reports into
// the result under the keys the agent uses. It does not reserve VNC display
// numbers itself. If a worker's deploy call fails, the slice is deleted on
// every worker whose deploy call already succeeded before the error is
// returned; the failing worker itself is not sent a delete.
func (d *Driver) Deploy(ctx context.Context, slice model.Slice) (drivers.DeployResult, error) {
	byWorker := make(map[string][]model.VM)
	for _, vm := range slice.VMs {
		byWorker[vm.Server] = append(byWorker[vm.Server], vm)
	}

	result := drivers.DeployResult{VNCByVM: make(map[string]int)}
	var deployedWorkers []string
	vmWorkers := make(map[string]string, len(slice.VMs))

	for worker, vms := range byWorker {
		req := deployRequest{SliceID: slice.ID}
		for _, vm := range vms {
			req.VMs = append(req.VMs, agentVM{
				Name: model.ClusterName(slice.ID, vm.Nombre), Cores: vm.Cores,
				RAMMiB: vm.RAMMiB, DiskGiB: vm.DiskGiB, Image: vm.Image, VLANs: vm.VLANs,
			})
		}

		var resp deployResponse
		if err := d.post(ctx, worker, "/v1/slices/deploy", req, &resp); err != nil {
			d.logger.Error("agent deploy failed, rolling back slice", "worker", worker, "slice_id", slice.ID, "error", err)
			for _, w := range deployedWorkers {
				if derr := d.post(ctx, w, fmt.Sprintf("/v1/slices/%d", slice.ID), nil, nil); derr != nil {
					d.logger.Error("rollback delete failed", "worker", w, "slice_id", slice.ID, "error", derr)
				}
			}
			return drivers.DeployResult{}, fmt.Errorf("deploying to worker %s: %w", worker, err)
		}
		deployedWorkers = append(deployedWorkers, worker)
		for _, vm := range vms {
			vmWorkers[vm.Nombre] = worker
		}
		for name, vnc := range resp.VNCByVM {
			result.VNCByVM[name] = vnc
		}
	}

	d.mu.Lock()
	d.workerOfVM[slice.ID] = vmWorkers
	d.mu.Unlock()

	return result, nil
}

func (d *Driver) workersForSlice(sliceID int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, w := range d.workerOfVM[sliceID] {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func (d *Driver) workerForVM(sliceID int, vmName string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workerOfVM[sliceID][vmName]
	if !ok {
		return "", fmt.Errorf("no known worker for slice %d vm %s", sliceID, vmName)
	}
	return w, nil
}

// Delete is idempotent: it asks every worker that ever hosted a VM from
// this slice to remove anything tagged with sliceID.
func (d *Driver) Delete(ctx context.Context, sliceID int) error {
	if err := d.broadcast(ctx, sliceID, fmt.Sprintf("/v1/slices/%d", sliceID)); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.workerOfVM, sliceID)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Pause(ctx context.Context, sliceID int) error {
	return d.broadcastAction(ctx, sliceID, "pause")
}
func (d *Driver) Resume(ctx context.Context, sliceID int) error {
	return d.broadcastAction(ctx, sliceID, "resume")
}
func (d *Driver) Shutdown(ctx context.Context, sliceID int) error {
	return d.broadcastAction(ctx, sliceID, "shutdown")
}
func (d *Driver) Start(ctx context.Context, sliceID int) error {
	return d.broadcastAction(ctx, sliceID, "start")
}

func (d *Driver) PauseVM(ctx context.Context, sliceID int, vmName string) error {
	return d.vmAction(ctx, sliceID, vmName, "pause")
}
func (d *Driver) ResumeVM(ctx context.Context, sliceID int, vmName string) error {
	return d.vmAction(ctx, sliceID, vmName, "resume")
}
func (d *Driver) ShutdownVM(ctx context.Context, sliceID int, vmName string) error {
	return d.vmAction(ctx, sliceID, vmName, "shutdown")
}
func (d *Driver) StartVM(ctx context.Context, sliceID int, vmName string) error {
	return d.vmAction(ctx, sliceID, vmName, "start")
}

// broadcast sends path to every worker known to host a VM from sliceID.
// The agent's semantics make repeat calls idempotent: a worker with
// nothing tagged for sliceID simply no-ops.
func (d *Driver) broadcast(ctx context.Context, sliceID int, path string) error {
	workers := d.workersForSlice(sliceID)
	if len(workers) == 0 {
		return nil
	}
	for _, worker := range workers {
		if err := d.post(ctx, worker, path, nil, nil); err != nil {
			return fmt.Errorf("worker %s: %w", worker, err)
		}
	}
	return nil
}

func (d *Driver) broadcastAction(ctx context.Context, sliceID int, action string) error {
	return d.broadcast(ctx, sliceID, fmt.Sprintf("/v1/slices/%d/%s", sliceID, action))
}

func (d *Driver) vmAction(ctx context.Context, sliceID int, vmName, action string) error {
	worker, err := d.workerForVM(sliceID, vmName)
	if err != nil {
		return err
	}
	return d.post(ctx, worker, fmt.Sprintf("/v1/slices/%d/vms/%s/%s", sliceID, vmName, action), nil, nil)
}

// postFile streams r's contents as the request body of a raw octet-stream
// POST — used for image propagation, where the payload is a multi-GiB
// disk image rather than a small JSON control message.
func (d *Driver) postFile(ctx context.Context, worker, path string, r io.Reader) error {
	url := d.agentAddr(worker) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling agent at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent %s returned %d: %s", url, resp.StatusCode, string(msg))
	}
	return nil
}

func (d *Driver) post(ctx context.Context, worker, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	url := d.agentAddr(worker) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling agent at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent %s returned %d: %s", url, resp.StatusCode, string(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding agent response: %w", err)
		}
	}
	return nil
}

// --- Security groups: the linux zone applies SG rules as OVS flow rules
// on each worker's bridge; no foreign id tracking is needed (spec §4.6
// only backfills id_openstack for the openstack zone).

func (d *Driver) CreateSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) (string, error) {
	return "", d.broadcast(ctx, sliceID, fmt.Sprintf("/v1/slices/%d/security-groups", sliceID))
}

func (d *Driver) DeleteSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error {
	return d.broadcast(ctx, sliceID, fmt.Sprintf("/v1/slices/%d/security-groups/%s", sliceID, sg.Name))
}

func (d *Driver) DeleteDefaultSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error {
	return d.DeleteSecurityGroup(ctx, sliceID, sg)
}

func (d *Driver) AddSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) (string, error) {
	return "", d.broadcast(ctx, sliceID, fmt.Sprintf("/v1/slices/%d/security-groups/%s/rules", sliceID, sg.Name))
}

func (d *Driver) RemoveSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) error {
	return d.broadcast(ctx, sliceID, fmt.Sprintf("/v1/slices/%d/security-groups/%s/rules/%d", sliceID, sg.Name, rule.ID))
}
