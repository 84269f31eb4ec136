// Package lifecycle implements the Lifecycle State Machine (C4): the
// slice/VM state graph, the derivation of a slice's runtime state from its
// VMs, and the per-slice-locked reconciliation that drives transitions
// through the cluster drivers. Grounded on the teacher's
// internal/reconciler.Reconciler Plan/Apply split, generalized from
// service-config convergence to VM power-state convergence.
package lifecycle

import (
	"fmt"

	"github.com/sliceforge/orchestrator/internal/model"
)

// Transition names one VM-level lifecycle action.
type Transition string

const (
	Pause    Transition = "pause"
	Resume   Transition = "resume"
	Shutdown Transition = "shutdown"
	Start    Transition = "start"
)

// NextState returns the VM state that transition t drives a VM to from
// state from, per spec §4.4's graph. ok is false if t is not valid from from.
func NextState(from model.VMState, t Transition) (to model.VMState, ok bool) {
	switch t {
	case Pause:
		if from == model.VMCorriendo {
			return model.VMPausado, true
		}
	case Resume:
		if from == model.VMPausado {
			return model.VMCorriendo, true
		}
	case Shutdown:
		if from == model.VMCorriendo || from == model.VMPausado {
			return model.VMApagado, true
		}
	case Start:
		if from == model.VMApagado {
			return model.VMCorriendo, true
		}
	}
	return "", false
}

// DeriveRuntimeState computes a slice's runtime state from its VMs' states
// (spec §4.4): any VM Corriendo wins outright; all-Pausado or all-Apagado
// are the uniform states; any other mix (Pausado+Apagado) reads as
// "corriendo" under the something-is-serving heuristic. An empty VM list
// derives to the blank state.
func DeriveRuntimeState(vms []model.VM) model.RuntimeState {
	if len(vms) == 0 {
		return model.StateNone
	}

	counts := map[model.VMState]int{}
	for _, vm := range vms {
		counts[vm.Estado]++
	}

	if counts[model.VMCorriendo] > 0 {
		return model.StateCorriendo
	}
	if counts[model.VMPausado] == len(vms) {
		return model.StatePausado
	}
	if counts[model.VMApagado] == len(vms) {
		return model.StateApagado
	}
	return model.StateCorriendo
}

// ApplyTransition returns a copy of vms with the named VM driven through
// transition t, or an error if the VM is missing or the transition is not
// valid from its current state.
func ApplyTransition(vms []model.VM, vmName string, t Transition) ([]model.VM, error) {
	out := make([]model.VM, len(vms))
	copy(out, vms)

	for i, vm := range out {
		if vm.Nombre != vmName {
			continue
		}
		next, ok := NextState(vm.Estado, t)
		if !ok {
			return nil, fmt.Errorf("vm %s: %s is not valid from state %s", vmName, t, vm.Estado)
		}
		out[i].Estado = next
		return out, nil
	}
	return nil, fmt.Errorf("vm %s not found in slice", vmName)
}

// BulkTarget returns the terminal VM state a slice-level transition drives
// every VM toward.
func BulkTarget(t Transition) model.VMState {
	switch t {
	case Pause:
		return model.VMPausado
	case Resume:
		return model.VMCorriendo
	case Shutdown:
		return model.VMApagado
	case Start:
		return model.VMCorriendo
	}
	return ""
}
