package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/virtforge/virtforge/pkg/hostdev"
	"github.com/virtforge/virtforge/pkg/inventory"
	"github.com/virtforge/virtforge/pkg/spec"
	"github.com/virtforge/virtforge/pkg/types"
)

var startCmd = &cobra.Command{
	Use:   "start <spec-file>",
	Short: "Bring a cluster up from its spec",
	Long: `Start validates the spec, plans network and device allocations
against the host-wide ledger, and drives every VM to Running. A stopped
cluster is restarted in place without re-planning. On partial failure
everything already brought up is rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, err := spec.Load(args[0])
		if err != nil {
			return err
		}

		rt, err := newRuntime(true)
		if err != nil {
			return err
		}
		defer rt.Close()

		stop := signalContext(cmd)
		defer stop()

		if err := rt.orch.Start(cmd.Context(), sp); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster %s is running\n", sp.Name)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <cluster>",
	Short: "Shut a cluster's VMs down, keeping disks and allocations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(true)
		if err != nil {
			return err
		}
		defer rt.Close()

		stop := signalContext(cmd)
		defer stop()

		if err := rt.orch.Stop(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster %s stopped\n", args[0])
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <cluster>",
	Short: "Remove a cluster and everything it owns",
	Long: `Destroy stops and undefines every VM, removes overlays and the
cluster network, and releases all ledger reservations. It converges:
invoked against a half-built or already-gone cluster it removes
whatever remains and succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(true)
		if err != nil {
			return err
		}
		defer rt.Close()

		stop := signalContext(cmd)
		defer stop()

		if err := rt.orch.Destroy(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster %s destroyed\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <cluster>",
	Short: "Show cluster phase and per-VM breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		cs, err := rt.orch.Status(args[0])
		if err != nil {
			return err
		}
		printStatus(cs)
		return nil
	},
}

func printStatus(cs *types.ClusterState) {
	fmt.Printf("Cluster: %s\n", cs.Name)
	fmt.Printf("Phase:   %s\n", cs.Phase)
	if cs.Network != nil {
		fmt.Printf("Subnet:  %s (gateway %s)\n", cs.Network.Subnet, cs.Network.Gateway)
	}
	if len(cs.VMs) == 0 {
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROLE\tSTATE\tIP\tDEVICES")
	for _, vm := range cs.VMs {
		devices := "-"
		if len(vm.Devices) > 0 {
			devices = strings.Join(vm.Devices, ",")
		}
		ip := vm.IP
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", vm.Name, vm.Role, vm.State, ip, devices)
	}
	w.Flush()
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every cluster known to this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		names, err := rt.states.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No clusters.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPHASE\tVMS\tSUBNET")
		for _, name := range names {
			cs, err := rt.states.Load(name)
			if err != nil {
				return err
			}
			subnet := "-"
			if cs.Network != nil {
				subnet = cs.Network.Subnet
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", cs.Name, cs.Phase, len(cs.VMs), subnet)
		}
		return w.Flush()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Show host GPUs, their drivers, and current reservations",
	Long: `Devices lists every GPU-class PCIe device found on the host along
with the driver it is bound to and, where reserved, the cluster and VM
holding it. Only vfio-pci bound devices are eligible for passthrough.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		inv := hostdev.NewInventory()
		gpus, err := inv.GPUs(cmd.Context())
		if err != nil {
			return err
		}
		if len(gpus) == 0 {
			fmt.Println("No GPU-class devices found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tMODEL\tDRIVER\tELIGIBLE\tRESERVED-BY")
		for _, dev := range gpus {
			units := append([]string{dev.Address}, dev.Slices...)
			for _, unit := range units {
				owner := "-"
				if alloc, err := rt.ledger.Owner(unit); err == nil && alloc != nil {
					owner = fmt.Sprintf("%s/%s", alloc.Cluster, alloc.VM)
				}
				eligible := "no"
				if inv.VFIOBound(dev) {
					eligible = "yes"
				}
				driver := dev.Driver
				if driver == "" {
					driver = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", unit, dev.Model, driver, eligible, owner)
			}
		}
		return w.Flush()
	},
}

var renderInventoryCmd = &cobra.Command{
	Use:   "render-inventory <cluster>",
	Short: "Write the inventory document for a cluster to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(false)
		if err != nil {
			return err
		}
		defer rt.Close()

		cs, err := rt.states.Load(args[0])
		if err != nil {
			return err
		}
		out, err := inventory.Generate(cs)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <spec-file>",
	Short: "Check a spec file without touching the host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, err := spec.Load(args[0])
		if err != nil {
			return err
		}
		if err := spec.Validate(sp); err != nil {
			return err
		}
		total := 0
		for _, g := range sp.NodeGroups {
			total += g.Count
		}
		fmt.Printf("✓ Spec %s is valid (%d node groups, %d VMs)\n", sp.Name, len(sp.NodeGroups), total)
		return nil
	},
}
