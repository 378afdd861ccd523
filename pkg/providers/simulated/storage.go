package simulated

import (
	"context"
	"path"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/volume"
)

var _ volume.Manager = (*Host)(nil)

// Pool is a storage pool of a simulated host. Volume paths are the pool
// path joined with the volume name.
type Pool struct {
	Name    string
	Path    string
	volumes map[string]*volume.Volume
}

type poolFile struct {
	Name    string          `yaml:"name"`
	Path    string          `yaml:"path"`
	Volumes []volume.Volume `yaml:"volumes,omitempty"`
}

func (f poolFile) pool() *Pool {
	p := &Pool{Name: f.Name, Path: f.Path, volumes: make(map[string]*volume.Volume)}
	for _, v := range f.Volumes {
		v.Pool = f.Name
		p.volumes[v.Name] = &v
	}
	return p
}

func (p *Pool) file() poolFile {
	f := poolFile{Name: p.Name, Path: p.Path}
	for _, name := range sortedKeys(p.volumes) {
		f.Volumes = append(f.Volumes, *p.volumes[name])
	}
	return f
}

// PutPool adds an empty pool, or changes the path of an existing one.
func (h *Host) PutPool(name, dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pools[name]; ok {
		p.Path = dir
		return
	}
	h.pools[name] = &Pool{Name: name, Path: dir, volumes: make(map[string]*volume.Volume)}
}

// Volume returns a copy of the named volume.
func (h *Host) Volume(pool, name string) (volume.Volume, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pools[pool]
	if !ok {
		return volume.Volume{}, false
	}
	v, ok := p.volumes[name]
	if !ok {
		return volume.Volume{}, false
	}
	return *v, true
}

func (h *Host) findPool(op, name string) (*Pool, error) {
	p, ok := h.pools[name]
	if !ok {
		return nil, engine.NewPermanentError("storage pool not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name).
			WithOperation(op)
	}
	return p, nil
}

// LookupVolume implements volume.Manager.
func (h *Host) LookupVolume(_ context.Context, pool, name string) (volume.Volume, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("vol-info", pool+"/"+name); err != nil {
		return volume.Volume{}, false, err
	}
	p, err := h.findPool("vol-info", pool)
	if err != nil {
		return volume.Volume{}, false, err
	}
	v, ok := p.volumes[name]
	if !ok {
		return volume.Volume{}, false, nil
	}
	return *v, true, nil
}

// CreateVolume implements volume.Manager.
func (h *Host) CreateVolume(_ context.Context, pool, name string, capacity uint64, alloc volume.Allocation) (volume.Volume, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("vol-create-as", pool+"/"+name); err != nil {
		return volume.Volume{}, err
	}
	p, err := h.findPool("vol-create-as", pool)
	if err != nil {
		return volume.Volume{}, err
	}
	if _, ok := p.volumes[name]; ok {
		return volume.Volume{}, engine.NewConflictError("storage volume already exists", nil).
			WithCode(engine.ErrCodeInvalidState).
			WithResource(pool + "/" + name).
			WithOperation("vol-create-as")
	}

	v := &volume.Volume{
		Pool:     pool,
		Name:     name,
		Path:     path.Join(p.Path, name),
		Capacity: capacity,
	}
	if alloc == volume.AllocationFat {
		v.Allocation = capacity
	}
	p.volumes[name] = v
	return *v, nil
}

// DeleteVolume implements volume.Manager.
func (h *Host) DeleteVolume(_ context.Context, pool, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("vol-delete", pool+"/"+name); err != nil {
		return err
	}
	p, err := h.findPool("vol-delete", pool)
	if err != nil {
		return err
	}
	if _, ok := p.volumes[name]; !ok {
		return engine.NewPermanentError("storage volume not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(pool + "/" + name).
			WithOperation("vol-delete")
	}
	delete(p.volumes, name)
	return nil
}
