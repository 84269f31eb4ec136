package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/sliceforge/orchestrator/internal/drivers"
	"github.com/sliceforge/orchestrator/internal/model"
	"github.com/sliceforge/orchestrator/internal/placement"
	"github.com/sliceforge/orchestrator/internal/queue"
	"github.com/sliceforge/orchestrator/internal/secgroup"
)

type fakeStore struct {
	slices  map[int]*model.Slice
	ledger  map[string][]model.PlacementEntry
	occupied map[int]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		slices:   make(map[int]*model.Slice),
		ledger:   make(map[string][]model.PlacementEntry),
		occupied: make(map[int]bool),
	}
}

func ledgerKey(zone model.Zone, worker string) string { return string(zone) + "/" + worker }

func (f *fakeStore) OccupiedVLANs(ctx context.Context, zone model.Zone) (map[int]bool, error) {
	return f.occupied, nil
}

func (f *fakeStore) LedgerEntries(ctx context.Context, zone model.Zone, worker string) ([]model.PlacementEntry, error) {
	return f.ledger[ledgerKey(zone, worker)], nil
}
func (f *fakeStore) InsertLedgerEntry(ctx context.Context, e model.PlacementEntry) error {
	key := ledgerKey(e.Zone, e.Worker)
	f.ledger[key] = append(f.ledger[key], e)
	return nil
}
func (f *fakeStore) DeleteLedgerEntriesForSlice(ctx context.Context, zone model.Zone, sliceID int) error {
	for k, entries := range f.ledger {
		kept := entries[:0]
		for _, e := range entries {
			if e.SliceID != sliceID {
				kept = append(kept, e)
			}
		}
		f.ledger[k] = kept
	}
	return nil
}

func (f *fakeStore) GetSecurityGroupTemplate(ctx context.Context) (*model.SecurityGroup, error) {
	return &model.SecurityGroup{Name: "default", IsDefault: true}, nil
}
func (f *fakeStore) GetSecurityGroupByName(ctx context.Context, sliceID int, name string) (*model.SecurityGroup, error) {
	return nil, errNotFound{}
}
func (f *fakeStore) ListSecurityGroups(ctx context.Context, sliceID int) ([]*model.SecurityGroup, error) {
	return nil, nil
}
func (f *fakeStore) InsertSecurityGroup(ctx context.Context, sg *model.SecurityGroup) (int, error) {
	return 1, nil
}
func (f *fakeStore) UpdateSecurityGroupRules(ctx context.Context, id int, rules []model.SecurityGroupRule, expectedUpdatedAt time.Time) (bool, error) {
	return true, nil
}
func (f *fakeStore) UpdateSecurityGroupForeignID(ctx context.Context, id int, foreignID string) error {
	return nil
}
func (f *fakeStore) DeleteSecurityGroup(ctx context.Context, id int) error { return nil }

func (f *fakeStore) GetSlice(ctx context.Context, id int) (*model.Slice, error) {
	sl, ok := f.slices[id]
	if !ok {
		return nil, errNotFound{}
	}
	return sl, nil
}
func (f *fakeStore) UpdateSliceVLANs(ctx context.Context, id int, vlans []int, kind model.LifecycleKind) error {
	f.slices[id].VLANs = vlans
	f.slices[id].Kind = kind
	return nil
}
func (f *fakeStore) UpdateSliceDeployed(ctx context.Context, id int, vms []model.VM, state model.RuntimeState) error {
	f.slices[id].VMs = vms
	f.slices[id].Kind = model.KindDeployed
	f.slices[id].RuntimeState = state
	return nil
}
func (f *fakeStore) UpdateSliceKind(ctx context.Context, id int, kind model.LifecycleKind) error {
	f.slices[id].Kind = kind
	return nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type fakeDriver struct {
	deployErr error
	vnc       map[string]int
}

func (d fakeDriver) Deploy(ctx context.Context, slice model.Slice) (drivers.DeployResult, error) {
	if d.deployErr != nil {
		return drivers.DeployResult{}, d.deployErr
	}
	return drivers.DeployResult{VNCByVM: d.vnc}, nil
}
func (fakeDriver) Delete(ctx context.Context, sliceID int) error                { return nil }
func (fakeDriver) Pause(ctx context.Context, sliceID int) error                 { return nil }
func (fakeDriver) Resume(ctx context.Context, sliceID int) error                { return nil }
func (fakeDriver) Shutdown(ctx context.Context, sliceID int) error              { return nil }
func (fakeDriver) Start(ctx context.Context, sliceID int) error                 { return nil }
func (fakeDriver) PauseVM(ctx context.Context, sliceID int, vm string) error    { return nil }
func (fakeDriver) ResumeVM(ctx context.Context, sliceID int, vm string) error   { return nil }
func (fakeDriver) ShutdownVM(ctx context.Context, sliceID int, vm string) error { return nil }
func (fakeDriver) StartVM(ctx context.Context, sliceID int, vm string) error    { return nil }
func (fakeDriver) CreateSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) (string, error) {
	return "", nil
}
func (fakeDriver) DeleteSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error {
	return nil
}
func (fakeDriver) DeleteDefaultSecurityGroup(ctx context.Context, sliceID int, sg model.SecurityGroup) error {
	return nil
}
func (fakeDriver) AddSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) (string, error) {
	return "", nil
}
func (fakeDriver) RemoveSecurityGroupRule(ctx context.Context, sliceID int, sg model.SecurityGroup, rule model.SecurityGroupRule) error {
	return nil
}

type fakeSource struct {
	up      bool
	workers []placement.WorkerTelemetry
}

func (s fakeSource) ClusterUp(ctx context.Context) (bool, error) { return s.up, nil }
func (s fakeSource) WorkerMetrics(ctx context.Context) ([]placement.WorkerTelemetry, error) {
	return s.workers, nil
}

type fakePublisher struct{ published []string }

func (p *fakePublisher) Publish(ctx context.Context, queueName string, body []byte) error {
	p.published = append(p.published, queueName)
	return nil
}

type fakeCompleter struct {
	sliceID int
	err     error
	called  bool
}

func (c *fakeCompleter) CompleteSlice(sliceID int, err error) {
	c.sliceID, c.err, c.called = sliceID, err, true
}

func oneVMSlice(zone model.Zone) *model.Slice {
	return &model.Slice{
		ID:   1,
		Zone: zone,
		Kind: model.KindValidated,
		Request: model.SolicitudJSON{
			TotalVMs: 1,
			Topologias: []model.Topology{{
				Nombre:      model.Topology1VM,
				CantidadVMs: "1",
				Internet:    true,
				VMs: []model.VMSize{
					{Nombre: "vm1", Cores: "2", RAM: "1.5G", Almacenamiento: "2G", Image: "ubuntu"},
				},
			}},
		},
	}
}

func newTestPipeline(store *fakeStore, driver drivers.Driver, source placement.Source, broker Publisher, completer Completer) *Pipeline {
	facade := drivers.NewFacade(driver, driver)
	sg := secgroup.New(store, facade)
	sources := map[model.Zone]placement.Source{model.ZoneLinux: source, model.ZoneOpenStack: source}
	return New(store, facade, sg, sources, broker, completer, slog.Default())
}

func TestVLANMappingHandler_AllocatesAndPublishesToPlacement(t *testing.T) {
	store := newFakeStore()
	slice := oneVMSlice(model.ZoneLinux)
	// a lineal pair has one link, so one pool VLAN is allocated; a lone
	// 1vm topology has no links and allocates none.
	slice.Request.Topologias[0].Nombre = model.TopologyLine
	slice.Request.Topologias[0].VMs = append(slice.Request.Topologias[0].VMs,
		model.VMSize{Nombre: "vm2", Cores: "1", RAM: "512M", Almacenamiento: "1G", Image: "ubuntu"})
	store.slices[1] = slice
	broker := &fakePublisher{}
	p := newTestPipeline(store, fakeDriver{}, fakeSource{up: true}, broker, &fakeCompleter{})

	body, _ := json.Marshal(sliceMessage{SliceID: 1})
	action := p.VLANMappingHandler(model.ZoneLinux)(context.Background(), body)

	if action != queue.Ack {
		t.Fatalf("expected Ack, got %v", action)
	}
	if store.slices[1].Kind != model.KindVLANsMapped {
		t.Fatalf("expected kind vlans_mapped, got %s", store.slices[1].Kind)
	}
	if len(store.slices[1].VLANs) == 0 {
		t.Fatal("expected vlans allocated on the slice")
	}
	if len(broker.published) != 1 || broker.published[0] != "vm_placement_linux" {
		t.Fatalf("expected one publish to vm_placement_linux, got %v", broker.published)
	}
}

func TestVLANMappingHandler_ExhaustedPoolFailsSliceAndDrops(t *testing.T) {
	store := newFakeStore()
	slice := oneVMSlice(model.ZoneLinux)
	slice.Request.Topologias[0].Nombre = model.TopologyLine
	slice.Request.Topologias[0].VMs = append(slice.Request.Topologias[0].VMs,
		model.VMSize{Nombre: "vm2", Cores: "1", RAM: "512M", Almacenamiento: "1G", Image: "ubuntu"})
	store.slices[1] = slice
	min, max := model.ZoneLinux.VLANRange()
	for v := min; v <= max; v++ {
		store.occupied[v] = true
	}
	broker := &fakePublisher{}
	completer := &fakeCompleter{}
	p := newTestPipeline(store, fakeDriver{}, fakeSource{up: true}, broker, completer)

	body, _ := json.Marshal(sliceMessage{SliceID: 1})
	action := p.VLANMappingHandler(model.ZoneLinux)(context.Background(), body)

	if action != queue.NackDrop {
		t.Fatalf("expected NackDrop, got %v", action)
	}
	if store.slices[1].Kind != model.KindError {
		t.Fatalf("expected slice marked error, got %s", store.slices[1].Kind)
	}
	if !completer.called || completer.err == nil {
		t.Fatal("expected completer notified with an error")
	}
	if len(broker.published) != 0 {
		t.Fatal("expected nothing published to placement on allocation failure")
	}
}

func TestPlacementHandler_DeploysAndCompletes(t *testing.T) {
	store := newFakeStore()
	store.slices[1] = oneVMSlice(model.ZoneLinux)
	store.slices[1].Kind = model.KindVLANsMapped
	driver := fakeDriver{vnc: map[string]int{"vm1": 5900}}
	completer := &fakeCompleter{}
	p := newTestPipeline(store, driver, fakeSource{up: true, workers: []placement.WorkerTelemetry{
		{Worker: "host1", Up: true, TotalCPU: 64, TotalRAM: 131072, TotalDisk: 2000},
	}}, &fakePublisher{}, completer)

	body, _ := json.Marshal(placementMessage{SliceID: 1, VMVLANs: map[string][]int{"vm1": {1}}})
	action := p.PlacementHandler(model.ZoneLinux)(context.Background(), body)

	if action != queue.Ack {
		t.Fatalf("expected Ack, got %v", action)
	}
	if store.slices[1].Kind != model.KindDeployed {
		t.Fatalf("expected kind deployed, got %s", store.slices[1].Kind)
	}
	if len(store.slices[1].VMs) != 1 || store.slices[1].VMs[0].Server != "host1" {
		t.Fatalf("expected vm1 placed on host1, got %+v", store.slices[1].VMs)
	}
	if store.slices[1].VMs[0].VNC != 5900 {
		t.Fatalf("expected vnc backfilled, got %d", store.slices[1].VMs[0].VNC)
	}
	if !completer.called || completer.err != nil {
		t.Fatalf("expected completer notified with no error, got called=%v err=%v", completer.called, completer.err)
	}
}

func TestPlacementHandler_DriverFailureMarksErrorAndDrops(t *testing.T) {
	store := newFakeStore()
	store.slices[1] = oneVMSlice(model.ZoneLinux)
	driver := fakeDriver{deployErr: context.DeadlineExceeded}
	completer := &fakeCompleter{}
	p := newTestPipeline(store, driver, fakeSource{up: true, workers: []placement.WorkerTelemetry{
		{Worker: "host1", Up: true, TotalCPU: 64, TotalRAM: 131072, TotalDisk: 2000},
	}}, &fakePublisher{}, completer)

	body, _ := json.Marshal(placementMessage{SliceID: 1, VMVLANs: map[string][]int{"vm1": {1}}})
	action := p.PlacementHandler(model.ZoneLinux)(context.Background(), body)

	if action != queue.NackDrop {
		t.Fatalf("expected NackDrop, got %v", action)
	}
	if store.slices[1].Kind != model.KindError {
		t.Fatalf("expected slice marked error, got %s", store.slices[1].Kind)
	}
	if !completer.called || completer.err == nil {
		t.Fatal("expected completer notified with an error")
	}
}

func TestVMRequirement_ParsesUnitSuffixes(t *testing.T) {
	cases := []struct {
		vm          model.VMSize
		wantRAMMiB  int
		wantDiskGiB int
	}{
		{model.VMSize{Nombre: "vm1", Cores: "1", RAM: "512M", Almacenamiento: "1G"}, 512, 1},
		{model.VMSize{Nombre: "vm2", Cores: "2", RAM: "1.5G", Almacenamiento: "4G"}, 1536, 4},
		{model.VMSize{Nombre: "vm3", Cores: "1", RAM: "1.0G", Almacenamiento: "2G"}, 1024, 2},
	}
	for _, c := range cases {
		req, err := vmRequirement(c.vm)
		if err != nil {
			t.Fatalf("vmRequirement(%+v): %v", c.vm, err)
		}
		if req.RAMMiB != c.wantRAMMiB {
			t.Fatalf("vm %s: expected %d MiB ram, got %d", c.vm.Nombre, c.wantRAMMiB, req.RAMMiB)
		}
		if req.DiskGiB != c.wantDiskGiB {
			t.Fatalf("vm %s: expected %d GiB disk, got %d", c.vm.Nombre, c.wantDiskGiB, req.DiskGiB)
		}
	}
}

func TestPlacementHandler_AllWorkersDownRequeues(t *testing.T) {
	store := newFakeStore()
	store.slices[1] = oneVMSlice(model.ZoneLinux)
	completer := &fakeCompleter{}
	p := newTestPipeline(store, fakeDriver{}, fakeSource{up: true, workers: []placement.WorkerTelemetry{
		{Worker: "host1", Up: false},
	}}, &fakePublisher{}, completer)

	body, _ := json.Marshal(placementMessage{SliceID: 1, VMVLANs: map[string][]int{"vm1": {1}}})
	action := p.PlacementHandler(model.ZoneLinux)(context.Background(), body)

	if action != queue.NackRequeue {
		t.Fatalf("expected NackRequeue (dependency unavailable), got %v", action)
	}
}
