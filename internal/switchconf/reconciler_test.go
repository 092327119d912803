package switchconf

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inetlab/ovslab/internal/declaration"
	"github.com/inetlab/ovslab/internal/ovs"
)

type batch struct {
	port    string
	assigns []ovs.Assignment
}

type fakeSwitch struct {
	bridges map[string]bool
	states  map[string]ovs.PortState
	batches []batch
	failSet map[string]error
}

func newFakeSwitch() *fakeSwitch {
	return &fakeSwitch{
		bridges: map[string]bool{},
		states:  map[string]ovs.PortState{},
		failSet: map[string]error{},
	}
}

func (f *fakeSwitch) PortState(name string) (ovs.PortState, error) {
	state, ok := f.states[name]
	if !ok {
		return ovs.PortState{}, fmt.Errorf("%w: %s", ovs.ErrPortNotFound, name)
	}
	return state, nil
}

func (f *fakeSwitch) PortBridge(name string) (string, error) {
	state, err := f.PortState(name)
	if err != nil {
		return "", err
	}
	return state.Bridge, nil
}

func (f *fakeSwitch) BridgeExists(name string) (bool, error) {
	return f.bridges[name], nil
}

func (f *fakeSwitch) SetPort(name string, assigns []ovs.Assignment) error {
	if err := f.failSet[name]; err != nil {
		return err
	}
	f.batches = append(f.batches, batch{port: name, assigns: assigns})
	state := f.states[name]
	for _, a := range assigns {
		switch a.Column {
		case "vlan_mode":
			state.VLANMode, _ = a.Value.(string)
		case "tag":
			state.Tag, _ = a.Value.(int)
		case "trunks":
			state.Trunks, _ = a.Value.([]int)
		}
	}
	f.states[name] = state
	return nil
}

func declarationFor(ports ...declaration.Port) *declaration.SwitchFile {
	return &declaration.SwitchFile{OVS: declaration.OVSSection{Switches: []declaration.Switch{
		{Name: "dsw-host", Ports: ports},
	}}}
}

func TestReconcileConvergesAndReportsAttributes(t *testing.T) {
	f := newFakeSwitch()
	f.bridges["dsw-host"] = true
	f.states["tap5"] = ovs.PortState{Bridge: "dsw-host"}

	r := &Reconciler{Client: f}
	outcomes := r.ReconcileAll(declarationFor(
		declaration.Port{Name: "tap5", Type: "OVSPort", VLANMode: "access", Tag: 5},
	))

	require.Len(t, outcomes, 1)
	out := outcomes[0]
	assert.True(t, out.Converged())
	assert.Equal(t, "tap5", out.Port)
	assert.ElementsMatch(t, []string{"vlan_mode", "tag", "trunks"}, out.Changed)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFakeSwitch()
	f.bridges["dsw-host"] = true
	f.states["tap5"] = ovs.PortState{Bridge: "dsw-host"}
	sf := declarationFor(
		declaration.Port{Name: "tap5", Type: "OVSPort", VLANMode: "access", Tag: 5},
	)

	r := &Reconciler{Client: f}
	r.ReconcileAll(sf)
	outcomes := r.ReconcileAll(sf)

	require.Len(t, outcomes, 1)
	out := outcomes[0]
	assert.True(t, out.Converged())
	assert.Empty(t, out.Changed, "second pass must stage nothing")
	assert.ElementsMatch(t, []string{"vlan_mode", "tag"}, out.Unchanged)
	assert.Len(t, f.batches, 1)
}

func TestReconcileTrunkToAccessClearsTrunksInSameBatch(t *testing.T) {
	f := newFakeSwitch()
	f.bridges["dsw-host"] = true
	f.states["tap5"] = ovs.PortState{Bridge: "dsw-host", VLANMode: "trunk", Trunks: []int{10, 20}}

	r := &Reconciler{Client: f}
	outcomes := r.ReconcileAll(declarationFor(
		declaration.Port{Name: "tap5", Type: "OVSPort", VLANMode: "access", Tag: 30},
	))

	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Converged())
	require.Len(t, f.batches, 1, "mode change and clear must ride one batch")
	columns := map[string]any{}
	for _, a := range f.batches[0].assigns {
		columns[a.Column] = a.Value
	}
	assert.Equal(t, "access", columns["vlan_mode"])
	assert.Equal(t, 30, columns["tag"])
	value, present := columns["trunks"]
	assert.True(t, present, "stale trunks must be cleared")
	assert.Nil(t, value)
}

func TestReconcileMissingSwitch(t *testing.T) {
	f := newFakeSwitch()

	r := &Reconciler{Client: f}
	outcomes := r.ReconcileAll(declarationFor(
		declaration.Port{Name: "tap5", Type: "OVSPort", VLANMode: "access", Tag: 5},
	))

	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Converged())
	assert.Contains(t, outcomes[0].Err.Error(), "does not exist")
	assert.Empty(t, f.batches)
}

func TestReconcileMissingPort(t *testing.T) {
	f := newFakeSwitch()
	f.bridges["dsw-host"] = true

	r := &Reconciler{Client: f}
	outcomes := r.ReconcileAll(declarationFor(
		declaration.Port{Name: "tap9", Type: "OVSPort", VLANMode: "access", Tag: 5},
	))

	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Converged())
	assert.Contains(t, outcomes[0].Err.Error(), "tap9")
	assert.Contains(t, outcomes[0].Err.Error(), "dsw-host")
}

func TestReconcilePortOnWrongSwitch(t *testing.T) {
	f := newFakeSwitch()
	f.bridges["dsw-host"] = true
	f.states["tap5"] = ovs.PortState{Bridge: "other-switch"}

	r := &Reconciler{Client: f}
	outcomes := r.ReconcileAll(declarationFor(
		declaration.Port{Name: "tap5", Type: "OVSPort", VLANMode: "access", Tag: 5},
	))

	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Converged())
	assert.Contains(t, outcomes[0].Err.Error(), "other-switch")
	assert.Empty(t, f.batches, "a misplaced port must not be written")
}

func TestReconcileFailingPortDoesNotBlockSiblings(t *testing.T) {
	f := newFakeSwitch()
	f.bridges["dsw-host"] = true
	f.states["tap1"] = ovs.PortState{Bridge: "dsw-host"}
	f.states["tap2"] = ovs.PortState{Bridge: "dsw-host"}
	f.failSet["tap1"] = errors.New("database is locked")

	r := &Reconciler{Client: f}
	outcomes := r.ReconcileAll(declarationFor(
		declaration.Port{Name: "tap1", Type: "OVSPort", VLANMode: "access", Tag: 1},
		declaration.Port{Name: "tap2", Type: "OVSPort", VLANMode: "access", Tag: 2},
	))

	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Converged())
	assert.True(t, outcomes[1].Converged())
}
