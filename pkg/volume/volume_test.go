package volume_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/providers/simulated"
	"github.com/openfroyo/virtsync/pkg/volume"
)

func newHost() *simulated.Host {
	h := simulated.New()
	h.PutPool("default", "/var/lib/libvirt/images")
	return h
}

func TestConvergeCreates(t *testing.T) {
	tests := []struct {
		name       string
		alloc      volume.Allocation
		allocation uint64
	}{
		{"thin", volume.AllocationThin, 0},
		{"fat", volume.AllocationFat, 2 << 30},
		{"default is thin", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost()
			res, err := volume.Converge(context.Background(), h, volume.Request{
				Pool:       "default",
				Name:       "web01.qcow2",
				Capacity:   "2G",
				Allocation: tt.alloc,
			})
			if err != nil {
				t.Fatalf("Converge() error = %v", err)
			}
			if !res.Changed || res.Path != "/var/lib/libvirt/images/web01.qcow2" || res.Capacity != 2<<30 {
				t.Errorf("result = %+v", res)
			}

			vol, ok := h.Volume("default", "web01.qcow2")
			if !ok {
				t.Fatal("volume was not created")
			}
			if vol.Capacity != 2<<30 || vol.Allocation != tt.allocation {
				t.Errorf("volume = %+v, want allocation %d", vol, tt.allocation)
			}
		})
	}
}

func TestConvergeExistingVolume(t *testing.T) {
	h := newHost()
	ctx := context.Background()
	if _, err := h.CreateVolume(ctx, "default", "db01.img", 1<<30, volume.AllocationFat); err != nil {
		t.Fatalf("CreateVolume() error = %v", err)
	}

	res, err := volume.Converge(ctx, h, volume.Request{Pool: "default", Name: "db01.img", Capacity: "8G"})
	if err != nil {
		t.Fatalf("Converge() error = %v", err)
	}
	if res.Changed {
		t.Error("an existing volume was changed")
	}
	if res.Path != "/var/lib/libvirt/images/db01.img" || res.Capacity != 1<<30 {
		t.Errorf("result = %+v", res)
	}
	if want := []string{"vol-create-as default/db01.img"}; !reflect.DeepEqual(h.Calls(), want) {
		t.Errorf("calls = %v, want %v", h.Calls(), want)
	}
}

func TestConvergeDeletes(t *testing.T) {
	h := newHost()
	ctx := context.Background()
	if _, err := h.CreateVolume(ctx, "default", "db01.img", 1<<30, volume.AllocationThin); err != nil {
		t.Fatalf("CreateVolume() error = %v", err)
	}

	res, err := volume.Converge(ctx, h, volume.Request{Pool: "default", Name: "db01.img", State: volume.StateAbsent})
	if err != nil {
		t.Fatalf("Converge() error = %v", err)
	}
	if !res.Changed || res.Path != "" {
		t.Errorf("result = %+v", res)
	}
	if _, ok := h.Volume("default", "db01.img"); ok {
		t.Error("volume still exists")
	}

	res, err = volume.Converge(ctx, h, volume.Request{Pool: "default", Name: "db01.img", State: volume.StateAbsent})
	if err != nil {
		t.Fatalf("Converge() error = %v", err)
	}
	if res.Changed {
		t.Error("deleting a missing volume changed something")
	}
}

func TestConvergeCheckMode(t *testing.T) {
	h := newHost()
	ctx := context.Background()

	res, err := volume.Converge(ctx, h, volume.Request{Pool: "default", Name: "new.img", Capacity: "1GiB", CheckMode: true})
	if err != nil {
		t.Fatalf("Converge() error = %v", err)
	}
	if !res.Changed || res.Capacity != 1<<30 {
		t.Errorf("result = %+v", res)
	}
	if len(h.Calls()) != 0 {
		t.Errorf("check mode changed the host: %v", h.Calls())
	}
	if res.Message != "volume default/new.img would be created (1GiB, thin)" {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestConvergeErrors(t *testing.T) {
	tests := []struct {
		name string
		req  volume.Request
		code string
	}{
		{"no pool", volume.Request{Name: "a.img", Capacity: "1G"}, engine.ErrCodeValidation},
		{"no name", volume.Request{Pool: "default", Capacity: "1G"}, engine.ErrCodeValidation},
		{"unknown state", volume.Request{Pool: "default", Name: "a.img", State: "resized"}, engine.ErrCodeValidation},
		{"unknown allocation", volume.Request{Pool: "default", Name: "a.img", Capacity: "1G", Allocation: "sparse"}, engine.ErrCodeValidation},
		{"no capacity", volume.Request{Pool: "default", Name: "a.img"}, engine.ErrCodeValidation},
		{"bad capacity", volume.Request{Pool: "default", Name: "a.img", Capacity: "lots"}, engine.ErrCodeValidation},
		{"missing pool", volume.Request{Pool: "ssd", Name: "a.img", Capacity: "1G"}, engine.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := volume.Converge(context.Background(), newHost(), tt.req)
			if code := engine.CodeOf(err); code != tt.code {
				t.Errorf("code = %q (%v), want %q", code, err, tt.code)
			}
		})
	}
}
