package virsh

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/volume"
)

var _ volume.Manager = (*Hypervisor)(nil)

// LookupVolume implements volume.Manager with vol-info and vol-path.
func (h *Hypervisor) LookupVolume(ctx context.Context, pool, name string) (volume.Volume, bool, error) {
	resource := pool + "/" + name
	out, err := h.virsh(ctx, "vol-info", resource, "vol-info", "--bytes", "--pool", pool, name)
	if err != nil {
		if engine.CodeOf(err) == engine.ErrCodeNotFound && !poolMissing(err) {
			return volume.Volume{}, false, nil
		}
		return volume.Volume{}, false, err
	}

	info := parseInfo(out)
	vol := volume.Volume{Pool: pool, Name: name}
	if vol.Capacity, err = infoBytes(info, "Capacity", resource); err != nil {
		return volume.Volume{}, false, err
	}
	if vol.Allocation, err = infoBytes(info, "Allocation", resource); err != nil {
		return volume.Volume{}, false, err
	}
	if vol.Path, err = h.volumePath(ctx, pool, name); err != nil {
		return volume.Volume{}, false, err
	}
	return vol, true, nil
}

// poolMissing reports whether a virsh failure names a missing pool.
func poolMissing(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	kind, _ := missing(strings.ToLower(ce.Stderr))
	return kind == "storage pool"
}

// infoBytes reads a "Capacity: 1073741824 bytes" line of vol-info --bytes.
func infoBytes(info map[string]string, key, resource string) (uint64, error) {
	value, _, _ := strings.Cut(info[key], " ")
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, engine.NewPermanentError("cannot read "+strings.ToLower(key)+" from vol-info", err).
			WithCode(engine.ErrCodeParse).
			WithResource(resource).
			WithOperation("vol-info")
	}
	return n, nil
}

func (h *Hypervisor) volumePath(ctx context.Context, pool, name string) (string, error) {
	out, err := h.virsh(ctx, "vol-path", pool+"/"+name, "vol-path", "--pool", pool, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CreateVolume implements volume.Manager with vol-create-as. Thin volumes
// are created with --allocation 0; fat ones are fully allocated.
func (h *Hypervisor) CreateVolume(ctx context.Context, pool, name string, capacity uint64, alloc volume.Allocation) (volume.Volume, error) {
	size := strconv.FormatUint(capacity, 10)
	args := []string{"vol-create-as", pool, name, size}
	if alloc != volume.AllocationFat {
		args = append(args, "--allocation", "0")
	}
	if _, err := h.virsh(ctx, "vol-create-as", pool+"/"+name, args...); err != nil {
		return volume.Volume{}, err
	}

	vol := volume.Volume{Pool: pool, Name: name, Capacity: capacity}
	if alloc == volume.AllocationFat {
		vol.Allocation = capacity
	}
	path, err := h.volumePath(ctx, pool, name)
	if err != nil {
		return vol, err
	}
	vol.Path = path
	return vol, nil
}

// DeleteVolume implements volume.Manager.
func (h *Hypervisor) DeleteVolume(ctx context.Context, pool, name string) error {
	_, err := h.virsh(ctx, "vol-delete", pool+"/"+name, "vol-delete", "--pool", pool, name)
	return err
}
