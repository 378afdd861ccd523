package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/virtsync/pkg/config"
	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/network"
	"github.com/openfroyo/virtsync/pkg/providers/simulated"
	"github.com/openfroyo/virtsync/pkg/providers/virsh"
	"github.com/openfroyo/virtsync/pkg/volume"
)

// hostFlags select the hypervisor: a simulated host file or a libvirt URI.
type hostFlags struct {
	hostFile string
	connect  string
}

func (f *hostFlags) register(cmd *cobra.Command, flags *pflag.FlagSet) {
	flags.StringVar(&f.hostFile, "host", "", "simulated host YAML file")
	flags.StringVar(&f.connect, "connect", "", "libvirt URI, e.g. qemu+ssh://root@kvm1/system (overrides config)")
	cmd.MarkFlagsMutuallyExclusive("host", "connect")
}

// hypervisor is an open converge.Hypervisor, with its network and volume
// managers and the hooks to persist and release it.
type hypervisor struct {
	converge.Hypervisor
	networks network.Manager
	volumes  volume.Manager
	save     func() error
	close    func() error
}

func (h *hypervisor) Close() {
	if err := h.close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close hypervisor connection")
	}
}

// open returns the simulated host from --host, or connects to the libvirt
// URI from --connect or the config.
func (f *hostFlags) open(ctx context.Context, cfg *config.File) (*hypervisor, error) {
	noop := func() error { return nil }

	if f.hostFile != "" {
		host, err := simulated.Load(f.hostFile)
		if err != nil {
			return nil, err
		}
		return &hypervisor{Hypervisor: host, networks: host, volumes: host, save: host.Save, close: noop}, nil
	}

	uri := f.connect
	if uri == "" {
		uri = cfg.Hypervisor.URI
	}
	if uri == "" {
		return nil, engine.NewPermanentError("no hypervisor; set --host, --connect or hypervisor.uri", nil).
			WithCode(engine.ErrCodeValidation)
	}

	hv, err := virsh.Open(ctx, uri, &cfg.Hypervisor.SSH, log.Logger)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("uri", uri).Msg("Connected to libvirt")
	return &hypervisor{Hypervisor: hv, networks: hv, volumes: hv, save: noop, close: hv.Close}, nil
}
