package volume

import (
	"context"
	"fmt"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/telemetry"
)

// Allocation selects how much of a new volume is allocated up front.
type Allocation string

const (
	// AllocationThin allocates nothing until the guest writes.
	AllocationThin Allocation = "thin"
	// AllocationFat allocates the whole capacity.
	AllocationFat Allocation = "fat"
)

// ParseAllocation validates an allocation mode. Empty means thin.
func ParseAllocation(s string) (Allocation, error) {
	switch a := Allocation(s); a {
	case "":
		return AllocationThin, nil
	case AllocationThin, AllocationFat:
		return a, nil
	}
	return "", engine.NewPermanentError(fmt.Sprintf("unknown allocation %q, want thin or fat", s), nil).
		WithCode(engine.ErrCodeValidation)
}

// Volume is a storage volume as the hypervisor reports it.
type Volume struct {
	Pool       string `json:"pool" yaml:"-"`
	Name       string `json:"name" yaml:"name"`
	Path       string `json:"path" yaml:"path"`
	Capacity   uint64 `json:"capacity" yaml:"capacity"`
	Allocation uint64 `json:"allocation" yaml:"allocation"`
}

// Manager is the hypervisor side of volume management. A missing pool is
// a NOT_FOUND error; a missing volume in an existing pool is not.
type Manager interface {
	LookupVolume(ctx context.Context, pool, name string) (vol Volume, found bool, err error)
	CreateVolume(ctx context.Context, pool, name string, capacity uint64, alloc Allocation) (Volume, error)
	DeleteVolume(ctx context.Context, pool, name string) error
}

// State is a requested volume state.
type State string

const (
	StatePresent State = "present"
	StateAbsent  State = "absent"
)

// Request asks for one volume in a pool to exist or not.
type Request struct {
	Pool  string
	Name  string
	State State
	// Capacity is needed to create a missing volume, e.g. "20G".
	Capacity   string
	Allocation Allocation
	CheckMode  bool
}

// Result reports what Converge did, or would do in check mode.
type Result struct {
	Pool    string `json:"pool"`
	Name    string `json:"name"`
	State   State  `json:"state"`
	Changed bool   `json:"changed"`
	// Path is set while the volume exists.
	Path     string `json:"path,omitempty"`
	Capacity uint64 `json:"capacity,omitempty"`
	Message  string `json:"message"`
}

// Converge creates or deletes a volume. An existing volume is left as it
// is, whatever its capacity.
func Converge(ctx context.Context, m Manager, req Request) (*Result, error) {
	if req.Pool == "" || req.Name == "" {
		return nil, engine.NewPermanentError("a pool and a volume name are required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	state := req.State
	switch state {
	case "":
		state = StatePresent
	case StatePresent, StateAbsent:
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown volume state %q", state), nil).
			WithCode(engine.ErrCodeValidation)
	}
	alloc, err := ParseAllocation(string(req.Allocation))
	if err != nil {
		return nil, err
	}

	logger := telemetry.FromContext(ctx).WithFields(map[string]interface{}{
		"pool":   req.Pool,
		"volume": req.Name,
	})
	res := &Result{Pool: req.Pool, Name: req.Name, State: state}

	vol, found, err := m.LookupVolume(ctx, req.Pool, req.Name)
	if err != nil {
		return nil, err
	}

	switch {
	case !found && state == StatePresent:
		if req.Capacity == "" {
			return nil, engine.NewPermanentError(fmt.Sprintf("volume %s does not exist and no capacity was given", req.Name), nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(req.Pool + "/" + req.Name)
		}
		capacity, err := ParseCapacity(req.Capacity)
		if err != nil {
			return nil, err
		}
		size, err := capacity.Bytes()
		if err != nil {
			return nil, err
		}

		res.Changed = true
		res.Capacity = size
		if req.CheckMode {
			res.Message = fmt.Sprintf("volume %s/%s would be created (%s, %s)", req.Pool, req.Name, capacity, alloc)
			return res, nil
		}
		if vol, err = m.CreateVolume(ctx, req.Pool, req.Name, size, alloc); err != nil {
			return res, err
		}
		logger.WithFields(map[string]interface{}{"capacity": size, "allocation": string(alloc)}).Info("volume created")
		res.Path = vol.Path
		res.Message = fmt.Sprintf("volume %s/%s created at %s", req.Pool, req.Name, vol.Path)

	case found && state == StateAbsent:
		res.Changed = true
		if req.CheckMode {
			res.Path = vol.Path
			res.Message = fmt.Sprintf("volume %s/%s would be deleted", req.Pool, req.Name)
			return res, nil
		}
		if err := m.DeleteVolume(ctx, req.Pool, req.Name); err != nil {
			return res, err
		}
		logger.Info("volume deleted")
		res.Message = fmt.Sprintf("volume %s/%s deleted", req.Pool, req.Name)

	case found:
		res.Path = vol.Path
		res.Capacity = vol.Capacity
		res.Message = fmt.Sprintf("volume %s/%s exists at %s", req.Pool, req.Name, vol.Path)

	default:
		res.Message = fmt.Sprintf("volume %s/%s is absent", req.Pool, req.Name)
	}
	return res, nil
}
