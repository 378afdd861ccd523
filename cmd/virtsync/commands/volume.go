package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/volume"
)

func newVolumeCommand() *cobra.Command {
	var (
		host       hostFlags
		pool       string
		name       string
		state      string
		capacity   string
		allocation string
		checkMode  bool
	)

	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Create or delete a storage volume",
		Long: `Make sure a storage volume exists in a pool, or does not.

A missing volume is created with --capacity, e.g. 20G (20 GiB), 20GB
(20*1000^3 bytes) or 512MiB. Thin volumes allocate nothing up front, fat
volumes their whole capacity. An existing volume is never resized. The
volume's path is printed while it exists.`,
		Example: `  # Create a thin 20 GiB disk in the default pool
  virtsync volume --host host.yaml --pool default --name web01.qcow2 --capacity 20G

  # Delete it again
  virtsync volume --host host.yaml --pool default --name web01.qcow2 --state absent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := volume.ParseAllocation(allocation)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := newTelemetry(cfg, nil)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			hv, err := host.open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer hv.Close()

			res, err := volume.Converge(tel.WithContext(cmd.Context()), hv.volumes, volume.Request{
				Pool:       pool,
				Name:       name,
				State:      volume.State(state),
				Capacity:   capacity,
				Allocation: alloc,
				CheckMode:  checkMode,
			})
			if err == nil && !checkMode {
				err = hv.save()
			}
			if res != nil {
				if perr := printVolume(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	host.register(cmd, cmd.Flags())
	cmd.Flags().StringVar(&pool, "pool", "default", "storage pool")
	cmd.Flags().StringVarP(&name, "name", "n", "", "volume name")
	cmd.Flags().StringVarP(&state, "state", "s", string(volume.StatePresent), "present or absent")
	cmd.Flags().StringVar(&capacity, "capacity", "", "capacity of a new volume, e.g. 20G")
	cmd.Flags().StringVar(&allocation, "allocation", string(volume.AllocationThin), "thin or fat")
	cmd.Flags().BoolVar(&checkMode, "check", false, "report what would change without changing anything")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func printVolume(w io.Writer, res *volume.Result) error {
	if jsonOutput {
		return printJSON(w, res)
	}
	fmt.Fprintln(w, res.Message)
	return nil
}
