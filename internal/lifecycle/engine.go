package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/drivers"
	"github.com/sliceforge/orchestrator/internal/model"
)

// Store is the persistence surface the Engine needs from *store.Store,
// kept as an interface for testability the same way vlanplan.OccupiedReader
// and placement.Ledger are.
type Store interface {
	GetSlice(ctx context.Context, id int) (*model.Slice, error)
	UpdateSliceVMsAndState(ctx context.Context, id int, vms []model.VM, runtime model.RuntimeState) error
	UpdateSliceKind(ctx context.Context, id int, kind model.LifecycleKind) error
	UpdateSliceVLANs(ctx context.Context, id int, vlans []int, kind model.LifecycleKind) error
	DeleteLedgerEntriesForSlice(ctx context.Context, zone model.Zone, sliceID int) error
	ReleaseVNC(ctx context.Context, sliceID int) error
}

// Engine owns the per-slice keyed mutex and drives VM/slice transitions
// through the cluster driver facade, keeping the store's runtime_state
// column in sync with the derivation function (spec §4.4).
type Engine struct {
	store   Store
	drivers *drivers.Facade

	mu     sync.Mutex
	locks  map[int]*sync.Mutex
}

// New builds an Engine.
func New(store Store, facade *drivers.Facade) *Engine {
	return &Engine{store: store, drivers: facade, locks: make(map[int]*sync.Mutex)}
}

func (e *Engine) sliceLock(id int) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// TransitionVM drives one VM through t, reconciles the derived slice
// runtime state, and persists both (spec §4.4: "each must be acknowledged
// by the underlying cluster before the DB is updated").
func (e *Engine) TransitionVM(ctx context.Context, sliceID int, vmName string, t Transition) error {
	lock := e.sliceLock(sliceID)
	lock.Lock()
	defer lock.Unlock()

	slice, err := e.store.GetSlice(ctx, sliceID)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, fmt.Sprintf("loading slice %d", sliceID), err)
	}
	if slice.Kind != model.KindDeployed {
		return apierr.New(apierr.Conflict, fmt.Sprintf("slice %d is not deployed (kind=%s)", sliceID, slice.Kind))
	}

	driver, err := e.drivers.For(slice.Zone)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "resolving driver", err)
	}

	if err := driveVM(ctx, driver, sliceID, vmName, t); err != nil {
		return apierr.Wrap(apierr.DriverFailure, fmt.Sprintf("driving vm %s through %s", vmName, t), err)
	}

	vms, err := ApplyTransition(slice.VMs, vmName, t)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "applying transition", err)
	}

	runtime := DeriveRuntimeState(vms)
	if err := e.store.UpdateSliceVMsAndState(ctx, sliceID, vms, runtime); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "persisting vm transition", err)
	}
	return nil
}

// TransitionSlice drives the whole slice through transition t with one
// bulk driver call, then sets every VM for which t is valid from its
// current state to t's bulk target and persists the derived state.
func (e *Engine) TransitionSlice(ctx context.Context, sliceID int, t Transition) error {
	lock := e.sliceLock(sliceID)
	lock.Lock()
	defer lock.Unlock()

	slice, err := e.store.GetSlice(ctx, sliceID)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, fmt.Sprintf("loading slice %d", sliceID), err)
	}
	if slice.Kind != model.KindDeployed {
		return apierr.New(apierr.Conflict, fmt.Sprintf("slice %d is not deployed (kind=%s)", sliceID, slice.Kind))
	}

	driver, err := e.drivers.For(slice.Zone)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "resolving driver", err)
	}

	if err := driveBulk(ctx, driver, sliceID, t); err != nil {
		return apierr.Wrap(apierr.DriverFailure, fmt.Sprintf("driving slice %d through %s", sliceID, t), err)
	}

	target := BulkTarget(t)
	vms := make([]model.VM, len(slice.VMs))
	copy(vms, slice.VMs)
	var g errgroup.Group
	var vmMu sync.Mutex
	for i := range vms {
		i := i
		g.Go(func() error {
			if _, ok := NextState(vms[i].Estado, t); !ok {
				return nil // already at a state this transition doesn't touch
			}
			vmMu.Lock()
			vms[i].Estado = target
			vmMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // the closures above never return an error

	runtime := DeriveRuntimeState(vms)
	if err := e.store.UpdateSliceVMsAndState(ctx, sliceID, vms, runtime); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "persisting bulk transition", err)
	}
	return nil
}

// Delete runs the slice delete protocol (spec §4.4): driver delete, then
// free VLANs, ledger entries, and VNC reservations, then mark deleted. On
// driver failure the row stays deployed and the caller sees the error.
func (e *Engine) Delete(ctx context.Context, sliceID int) error {
	lock := e.sliceLock(sliceID)
	lock.Lock()
	defer lock.Unlock()

	slice, err := e.store.GetSlice(ctx, sliceID)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, fmt.Sprintf("loading slice %d", sliceID), err)
	}

	driver, err := e.drivers.For(slice.Zone)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "resolving driver", err)
	}

	if err := driver.Delete(ctx, sliceID); err != nil {
		return apierr.Wrap(apierr.DriverFailure, fmt.Sprintf("driver delete for slice %d", sliceID), err)
	}

	if err := e.store.UpdateSliceVLANs(ctx, sliceID, nil, slice.Kind); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "freeing vlans", err)
	}
	if err := e.store.DeleteLedgerEntriesForSlice(ctx, slice.Zone, sliceID); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "removing ledger entries", err)
	}
	if err := e.store.ReleaseVNC(ctx, sliceID); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "releasing vnc reservations", err)
	}
	if err := e.store.UpdateSliceKind(ctx, sliceID, model.KindDeleted); err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, "marking slice deleted", err)
	}
	return nil
}

func driveVM(ctx context.Context, d drivers.Driver, sliceID int, vmName string, t Transition) error {
	switch t {
	case Pause:
		return d.PauseVM(ctx, sliceID, vmName)
	case Resume:
		return d.ResumeVM(ctx, sliceID, vmName)
	case Shutdown:
		return d.ShutdownVM(ctx, sliceID, vmName)
	case Start:
		return d.StartVM(ctx, sliceID, vmName)
	}
	return fmt.Errorf("unknown transition %s", t)
}

func driveBulk(ctx context.Context, d drivers.Driver, sliceID int, t Transition) error {
	switch t {
	case Pause:
		return d.Pause(ctx, sliceID)
	case Resume:
		return d.Resume(ctx, sliceID)
	case Shutdown:
		return d.Shutdown(ctx, sliceID)
	case Start:
		return d.Start(ctx, sliceID)
	}
	return fmt.Errorf("unknown transition %s", t)
}
