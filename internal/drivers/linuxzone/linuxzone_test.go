package linuxzone

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sliceforge/orchestrator/internal/config"
	"github.com/sliceforge/orchestrator/internal/model"
)

func newTestDriver(t *testing.T, handler http.HandlerFunc) (*Driver, func()) {
	srv := httptest.NewServer(handler)
	d := New(config.LinuxAgentConfig{Token: "secret"}, []string{"worker1"}, func(worker string) string { return srv.URL }, slog.Default())
	return d, srv.Close
}

func TestDeploy_TracksWorkerPerVM(t *testing.T) {
	d, closeSrv := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(deployResponse{VNCByVM: map[string]int{"id1_vm1": 1}})
	})
	defer closeSrv()

	slice := model.Slice{ID: 1, VMs: []model.VM{{Nombre: "vm1", Server: "worker1"}}}
	result, err := d.Deploy(context.Background(), slice)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if result.VNCByVM["id1_vm1"] != 1 {
		t.Fatalf("expected vnc assignment to flow through, got %v", result.VNCByVM)
	}
	worker, err := d.workerForVM(1, "vm1")
	if err != nil || worker != "worker1" {
		t.Fatalf("expected vm1 tracked to worker1, got %s, %v", worker, err)
	}
}

func TestDeploy_RollsBackOnAgentFailure(t *testing.T) {
	calls := 0
	d, closeSrv := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/v1/slices/deploy" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer closeSrv()

	slice := model.Slice{ID: 1, VMs: []model.VM{{Nombre: "vm1", Server: "worker1"}}}
	if _, err := d.Deploy(context.Background(), slice); err == nil {
		t.Fatalf("expected deploy error")
	}
}

func TestVMAction_RequiresKnownWorker(t *testing.T) {
	d, closeSrv := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	if err := d.PauseVM(context.Background(), 99, "unknown"); err == nil {
		t.Fatalf("expected error for untracked vm")
	}
}

func TestPauseVM_CallsCorrectWorker(t *testing.T) {
	var gotAuth string
	d, closeSrv := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})
	defer closeSrv()

	slice := model.Slice{ID: 1, VMs: []model.VM{{Nombre: "vm1", Server: "worker1"}}}
	if _, err := d.Deploy(context.Background(), slice); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := d.PauseVM(context.Background(), 1, "vm1"); err != nil {
		t.Fatalf("PauseVM: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer token forwarded, got %q", gotAuth)
	}
}
