// Package switchconf converges live switch-port configuration toward a
// declared one. Each port is reconciled independently: one port failing
// never blocks its siblings, and a port already in the declared state is
// left untouched.
package switchconf

import (
	"errors"
	"fmt"

	"github.com/inetlab/ovslab/internal/declaration"
	"github.com/inetlab/ovslab/internal/ovs"
)

// Outcome is the per-port reconciliation report.
type Outcome struct {
	Switch string
	Port   string
	// Changed lists the columns that were written, Unchanged the
	// attributes found already correct.
	Changed   []string
	Unchanged []string
	Err       error
}

// Converged reports whether the port ended in the declared state.
func (o Outcome) Converged() bool { return o.Err == nil }

// Reconciler drives port convergence through one switch client.
type Reconciler struct {
	Client ovs.Client
}

// ReconcileAll processes every declared switch and port and returns one
// outcome per port (or per switch, when the switch itself is missing).
// Outcomes arrive in declaration order.
func (r *Reconciler) ReconcileAll(sf *declaration.SwitchFile) []Outcome {
	var outcomes []Outcome
	for _, sw := range sf.OVS.Switches {
		exists, err := r.Client.BridgeExists(sw.Name)
		if err != nil {
			outcomes = append(outcomes, Outcome{
				Switch: sw.Name,
				Err:    fmt.Errorf("check switch %s: %w", sw.Name, err),
			})
			continue
		}
		if !exists {
			outcomes = append(outcomes, Outcome{
				Switch: sw.Name,
				Err:    fmt.Errorf("switch %s does not exist", sw.Name),
			})
			continue
		}
		for _, port := range sw.Ports {
			outcomes = append(outcomes, r.reconcilePort(sw.Name, port))
		}
	}
	return outcomes
}

// reconcilePort runs the per-port state machine: resolve the port to its
// owning switch, diff live against declared state, and apply all staged
// assignments as one batched command.
func (r *Reconciler) reconcilePort(switchName string, port declaration.Port) Outcome {
	out := Outcome{Switch: switchName, Port: port.Name}

	state, err := r.Client.PortState(port.Name)
	if err != nil {
		if errors.Is(err, ovs.ErrPortNotFound) {
			out.Err = fmt.Errorf("port %s does not exist on switch %s", port.Name, switchName)
		} else {
			out.Err = err
		}
		return out
	}
	if state.Bridge != switchName {
		out.Err = fmt.Errorf("port %s belongs to switch %s, not %s",
			port.Name, state.Bridge, switchName)
		return out
	}

	changes := ovs.PlanChanges(state, port.VLANMode, port.Tag, port.Trunks)
	out.Changed, out.Unchanged = splitAttributes(port, changes)

	if len(changes) == 0 {
		return out
	}
	if err := r.Client.SetPort(port.Name, changes); err != nil {
		out.Err = fmt.Errorf("configure port %s: %w", port.Name, err)
		return out
	}
	return out
}

// splitAttributes classifies the declared attributes of a port into those
// the plan rewrites and those already correct.
func splitAttributes(port declaration.Port, changes []ovs.Assignment) (changed, unchanged []string) {
	staged := map[string]bool{}
	for _, a := range changes {
		staged[a.Column] = true
		changed = append(changed, a.Column)
	}
	declared := []string{"vlan_mode"}
	if port.VLANMode == "access" {
		declared = append(declared, "tag")
	} else {
		declared = append(declared, "trunks")
	}
	for _, attr := range declared {
		if !staged[attr] {
			unchanged = append(unchanged, attr)
		}
	}
	return changed, unchanged
}
