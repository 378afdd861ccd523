package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/network"
)

func newNetworkCommand() *cobra.Command {
	var (
		host      hostFlags
		name      string
		xmlFile   string
		state     string
		autostart bool
		checkMode bool
	)

	cmd := &cobra.Command{
		Use:   "network",
		Short: "Bring a virtual network to a state",
		Long: `Define, remove, start or stop a libvirt virtual network and set its
autostart flag.

States:
  present   defined (the default)
  started   defined and active
  stopped   defined and inactive
  absent    stopped and undefined
  leases    left as it is; only its DHCP leases are reported

A missing network is defined from --xml. Autostart is enforced only when
--autostart is given. The DHCP leases of an active network are always
printed.`,
		Example: `  # Define and start the default network, starting it at boot
  virtsync network --host host.yaml --xml default-net.xml --state started --autostart

  # List the leases of a network on a remote host
  virtsync network --connect qemu+ssh://root@kvm1/system --name default --state leases`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := network.ParseState(state)
			if err != nil {
				return err
			}
			req := network.Request{Name: name, State: st, CheckMode: checkMode}
			if xmlFile != "" {
				data, err := os.ReadFile(xmlFile)
				if err != nil {
					return fmt.Errorf("failed to read network definition: %w", err)
				}
				req.Definition = string(data)
			}
			if cmd.Flags().Changed("autostart") {
				req.Autostart = &autostart
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

			res, err := network.Converge(tel.WithContext(cmd.Context()), hv.networks, req)
			if err == nil && !checkMode {
				err = hv.save()
			}
			if res != nil {
				if perr := printNetwork(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	host.register(cmd, cmd.Flags())
	cmd.Flags().StringVarP(&name, "name", "n", "", "network name (taken from --xml when omitted)")
	cmd.Flags().StringVar(&xmlFile, "xml", "", "network definition XML file")
	cmd.Flags().StringVarP(&state, "state", "s", string(network.StatePresent), "present, started, stopped, absent or leases")
	cmd.Flags().BoolVar(&autostart, "autostart", true, "start the network when the host boots")
	cmd.Flags().BoolVar(&checkMode, "check", false, "report what would change without changing anything")

	return cmd
}

func printNetwork(w io.Writer, res *network.Result) error {
	if jsonOutput {
		return printJSON(w, res)
	}

	fmt.Fprintln(w, res.Message)
	if len(res.Leases) == 0 {
		return nil
	}
	fmt.Fprintf(w, "%-20s  %-17s  %-20s  %s\n", "EXPIRY", "MAC", "ADDRESS", "HOSTNAME")
	for _, l := range res.Leases {
		fmt.Fprintf(w, "%-20s  %-17s  %-20s  %s\n", l.ExpiryTime, l.MAC, l.IPAddress, l.Hostname)
	}
	return nil
}
