// Package ovs reads and converges the VLAN configuration of Open vSwitch
// ports. The same semantic operation is offered over two transports: the
// ovs-vsctl command-line tool and the OVSDB protocol over the local unix
// socket. Both share one diff planner, so converging a port produces the
// same writes whichever transport carries them.
package ovs

import (
	"errors"
	"fmt"
	"sort"
)

// ErrPortNotFound reports a port the switch does not know about. Tap
// configuration never creates ports.
var ErrPortNotFound = errors.New("port not found")

// QueryError wraps a failed read of the switch control plane. Callers must
// treat it as "state unknown", never as "port unconfigured".
type QueryError struct {
	Port string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("switch query for port %q failed: %v", e.Port, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// PortState is the live VLAN configuration of one port as reported by the
// switch at query time. Tag is 0 and Trunks empty when the respective
// column is unset.
type PortState struct {
	Bridge   string
	VLANMode string
	Tag      int
	Trunks   []int
}

// Assignment is one staged column write. Value is a string for vlan_mode,
// an int for tag, a []int for trunks, or nil to clear the column.
type Assignment struct {
	Column string
	Value  any
}

// Client is the transport-independent view of the switch control plane.
type Client interface {
	// PortState returns the live configuration of a port, or
	// ErrPortNotFound when the switch has no such port.
	PortState(name string) (PortState, error)
	// PortBridge returns the name of the bridge owning a port.
	PortBridge(name string) (string, error)
	// BridgeExists reports whether the named bridge is defined.
	BridgeExists(name string) (bool, error)
	// SetPort applies all assignments to a port in one batched write.
	SetPort(name string, assigns []Assignment) error
}

// PlanChanges returns the minimal assignments moving cur to the declared
// mode/tag/trunks. A mode change also clears the attribute the new mode
// does not use, so stale data never survives a mode switch. Converged
// state yields an empty plan.
func PlanChanges(cur PortState, mode string, tag int, trunks []int) []Assignment {
	var changes []Assignment
	if cur.VLANMode != mode {
		changes = append(changes, Assignment{Column: "vlan_mode", Value: mode})
		switch mode {
		case "access":
			changes = append(changes, Assignment{Column: "trunks", Value: nil})
		case "trunk":
			changes = append(changes, Assignment{Column: "tag", Value: nil})
		}
	}
	if mode == "access" && cur.Tag != tag {
		changes = append(changes, Assignment{Column: "tag", Value: tag})
	}
	if mode == "trunk" && !sameVLANSet(cur.Trunks, trunks) {
		changes = append(changes, Assignment{Column: "trunks", Value: ascending(trunks)})
	}
	return changes
}

// SetTap converges one tap port to the given VLAN configuration and
// returns the assignments that were applied (none when already
// converged). The port must already exist.
func SetTap(c Client, name, mode string, tag int, trunks []int) ([]Assignment, error) {
	cur, err := c.PortState(name)
	if err != nil {
		return nil, err
	}
	changes := PlanChanges(cur, mode, tag, trunks)
	if len(changes) == 0 {
		return nil, nil
	}
	if err := c.SetPort(name, changes); err != nil {
		return nil, fmt.Errorf("set port %s: %w", name, err)
	}
	return changes, nil
}

// sameVLANSet compares two trunk lists as sets: order and repetition do
// not matter.
func sameVLANSet(a, b []int) bool {
	seen := make(map[int]bool, len(a))
	for _, vlan := range a {
		seen[vlan] = true
	}
	other := make(map[int]bool, len(b))
	for _, vlan := range b {
		if !seen[vlan] {
			return false
		}
		other[vlan] = true
	}
	return len(seen) == len(other)
}

func ascending(vlans []int) []int {
	out := make([]int, len(vlans))
	copy(out, vlans)
	sort.Ints(out)
	return out
}
