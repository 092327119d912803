// Package identity derives per-tap network identities: the MAC address,
// the IPv6 link-local address, and the scope interface name used to reach
// a VM over link-local addressing.
package identity

import (
	"fmt"

	"github.com/inetlab/ovslab/internal/ovs"
)

// Deriver holds the fixed prefixes every derived identity starts with.
type Deriver struct {
	// OUI is the vendor prefix of derived MAC addresses, e.g. "b8:ad:ca:fe".
	OUI string
	// LinkLocalPrefix is the prefix of derived IPv6 link-local addresses,
	// e.g. "fe80::baad:caff:fefe".
	LinkLocalPrefix string
}

// MAC builds the MAC address of a tap interface. The tap number is encoded
// big-endian in the last two octets, so the mapping is one-to-one over the
// 16-bit tap space. Callers must pass a validated tap number in
// [0, 65535]; anything larger would overflow the two octets.
func (d Deriver) MAC(tapnum int) string {
	return fmt.Sprintf("%s:%02x:%02x", d.OUI, tapnum/256, tapnum%256)
}

// LinkLocal builds the IPv6 link-local address of a tap interface, scoped
// to the given interface name.
func (d Deriver) LinkLocal(tapnum int, scope string) string {
	return fmt.Sprintf("%s:%x%%%s", d.LinkLocalPrefix, tapnum, scope)
}

// ScopeName returns the interface name scoping a tap's link-local address:
// vlan<tag> when the live port is in access mode, otherwise the name of
// the bridge the tap belongs to. The live switch state is authoritative;
// a tap the switch does not know about is an error.
func ScopeName(c ovs.Client, tapnum int) (string, error) {
	state, err := c.PortState(TapName(tapnum))
	if err != nil {
		return "", err
	}
	if state.VLANMode == "access" {
		return fmt.Sprintf("vlan%d", state.Tag), nil
	}
	return state.Bridge, nil
}

// TapName renders the interface name of a tap number.
func TapName(tapnum int) string {
	return fmt.Sprintf("tap%d", tapnum)
}
