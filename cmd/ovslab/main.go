// ovslab – declarative VM lab provisioning over QEMU and Open vSwitch
//
// Usage:
//
//	ovslab up <lab.yaml>        – provision the declared VMs
//	ovslab switch <sw.yaml>     – converge switch-port VLAN configuration
//	ovslab serve                – run the administrative façade
//	ovslab doctor               – check host prerequisites
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/inetlab/ovslab/internal/api"
	"github.com/inetlab/ovslab/internal/catalog"
	"github.com/inetlab/ovslab/internal/config"
	"github.com/inetlab/ovslab/internal/declaration"
	"github.com/inetlab/ovslab/internal/doctor"
	"github.com/inetlab/ovslab/internal/log"
	"github.com/inetlab/ovslab/internal/ovs"
	"github.com/inetlab/ovslab/internal/provision"
	"github.com/inetlab/ovslab/internal/switchconf"
)

var (
	configPath string
	useOVSDB   bool
)

func main() {
	root := &cobra.Command{
		Use:   "ovslab",
		Short: "Declarative VM lab provisioning on a hypervisor host",
		Long: `ovslab – converge a single hypervisor host toward declared lab state.

VM declarations provision QEMU virtual machines plugged into Open vSwitch
taps; switch declarations converge the VLAN configuration of existing
switch ports. Both are idempotent: a second run changes nothing that is
already correct.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(),
		"host configuration file")

	root.AddCommand(upCmd(), switchCmd(), serveCmd(), doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// ── up ────────────────────────────────────────────────────────────────────────

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up <lab.yaml>",
		Short: "Provision the VMs of a lab declaration",
		Long: `Validates the whole declaration first, then provisions each VM in order:
liveness gate, image staging, UEFI/TPM staging, storage devices,
cloud-init seed, and launch. A failing VM never blocks its siblings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runUp(args[0])
		},
	}
}

func runUp(labPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	lab, err := declaration.LoadLab(labPath)
	if err != nil {
		return err
	}
	if err := declaration.ValidateLab(lab); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	pipeline := provision.New(cfg, workDir)

	failed := 0
	for i := range lab.KVM.VMs {
		vm := &lab.KVM.VMs[i]
		if err := pipeline.Provision(vm); err != nil {
			log.Error(fmt.Sprintf("%s: %v", vm.Name, err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d VMs failed", failed, len(lab.KVM.VMs))
	}
	return nil
}

// ── switch ────────────────────────────────────────────────────────────────────

func switchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch <switch.yaml>",
		Short: "Converge switch-port VLAN configuration",
		Long: `Diffs the live VLAN state of every declared port against the declaration
and applies only the differences, one batched command per port. Ports are
independent: one failing port never blocks the others.

The default transport shells out to ovs-vsctl; --ovsdb talks RFC 7047
JSON-RPC to the database socket instead. Both apply identical changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSwitch(args[0])
		},
	}
	cmd.Flags().BoolVar(&useOVSDB, "ovsdb", false, "use the OVSDB transport instead of ovs-vsctl")
	return cmd
}

func runSwitch(switchPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	sf, err := declaration.LoadSwitches(switchPath)
	if err != nil {
		return err
	}
	if err := declaration.ValidateSwitches(sf); err != nil {
		return err
	}

	var client ovs.Client
	if useOVSDB {
		db, err := ovs.DialDB(cfg.OVSSocket)
		if err != nil {
			return err
		}
		defer db.Close()
		client = db
	} else {
		client = ovs.NewVsctlClient()
	}

	r := &switchconf.Reconciler{Client: client}
	failed := 0
	total := 0
	for _, out := range r.ReconcileAll(sf) {
		total++
		unit := out.Switch
		if out.Port != "" {
			unit = out.Switch + "/" + out.Port
		}
		switch {
		case !out.Converged():
			log.Error(fmt.Sprintf("%s: %v", unit, out.Err))
			failed++
		case len(out.Changed) == 0:
			log.Skip(fmt.Sprintf("%s already configured", unit))
		default:
			log.Ok(fmt.Sprintf("%s configured (%v)", unit, out.Changed))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d units failed", failed, total)
	}
	return nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the administrative façade",
		Long: `Serves the resource catalog and create endpoints over HTTP. Resources are
recorded only after their side effect on the host succeeded.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		return err
	}
	store, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer store.Close()

	db, err := ovs.DialDB(cfg.OVSSocket)
	if err != nil {
		return err
	}
	defer db.Close()

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	server := api.New(cfg, store, db, workDir)

	log.Info(fmt.Sprintf("Serving on %s...", cfg.ListenAddr))
	return http.ListenAndServe(cfg.ListenAddr, server.Routes())
}

// ── doctor ────────────────────────────────────────────────────────────────────

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check host prerequisites",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			failed := 0
			for _, res := range doctor.RunChecks(cfg) {
				if res.OK {
					log.Ok(fmt.Sprintf("%s: %s", res.Name, res.Message))
					continue
				}
				failed++
				log.Error(fmt.Sprintf("%s: %s", res.Name, res.Message))
				fmt.Fprintln(os.Stderr, res.HowToFix)
			}
			if failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			return nil
		},
	}
}
