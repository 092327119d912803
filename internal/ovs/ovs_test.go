package ovs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	states map[string]PortState
	sets   map[string][]Assignment
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		states: map[string]PortState{},
		sets:   map[string][]Assignment{},
	}
}

func (f *fakeClient) PortState(name string) (PortState, error) {
	state, ok := f.states[name]
	if !ok {
		return PortState{}, fmt.Errorf("%w: %s", ErrPortNotFound, name)
	}
	return state, nil
}

func (f *fakeClient) PortBridge(name string) (string, error) {
	state, err := f.PortState(name)
	if err != nil {
		return "", err
	}
	return state.Bridge, nil
}

func (f *fakeClient) BridgeExists(name string) (bool, error) {
	for _, state := range f.states {
		if state.Bridge == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeClient) SetPort(name string, assigns []Assignment) error {
	f.sets[name] = append(f.sets[name], assigns...)
	state := f.states[name]
	for _, a := range assigns {
		switch a.Column {
		case "vlan_mode":
			if a.Value == nil {
				state.VLANMode = ""
			} else {
				state.VLANMode = a.Value.(string)
			}
		case "tag":
			if a.Value == nil {
				state.Tag = 0
			} else {
				state.Tag = a.Value.(int)
			}
		case "trunks":
			if a.Value == nil {
				state.Trunks = nil
			} else {
				state.Trunks = a.Value.([]int)
			}
		}
	}
	f.states[name] = state
	return nil
}

func TestPlanChangesConvergedIsEmpty(t *testing.T) {
	cur := PortState{Bridge: "dsw-host", VLANMode: "access", Tag: 10}
	assert.Empty(t, PlanChanges(cur, "access", 10, nil))

	cur = PortState{Bridge: "dsw-host", VLANMode: "trunk", Trunks: []int{10, 20}}
	assert.Empty(t, PlanChanges(cur, "trunk", 0, []int{10, 20}))
}

func TestPlanChangesTrunkToAccessClearsTrunks(t *testing.T) {
	cur := PortState{VLANMode: "trunk", Trunks: []int{10, 20}}

	changes := PlanChanges(cur, "access", 30, nil)

	require.Len(t, changes, 3)
	assert.Equal(t, Assignment{Column: "vlan_mode", Value: "access"}, changes[0])
	assert.Equal(t, Assignment{Column: "trunks", Value: nil}, changes[1])
	assert.Equal(t, Assignment{Column: "tag", Value: 30}, changes[2])
}

func TestPlanChangesAccessToTrunkClearsTag(t *testing.T) {
	cur := PortState{VLANMode: "access", Tag: 30}

	changes := PlanChanges(cur, "trunk", 0, []int{20, 10})

	require.Len(t, changes, 3)
	assert.Equal(t, Assignment{Column: "vlan_mode", Value: "trunk"}, changes[0])
	assert.Equal(t, Assignment{Column: "tag", Value: nil}, changes[1])
	assert.Equal(t, Assignment{Column: "trunks", Value: []int{10, 20}}, changes[2])
}

func TestPlanChangesTrunkCompareIgnoresOrder(t *testing.T) {
	cur := PortState{VLANMode: "trunk", Trunks: []int{20, 10, 30}}

	assert.Empty(t, PlanChanges(cur, "trunk", 0, []int{30, 20, 10}))
}

func TestPlanChangesTrunkRendersAscending(t *testing.T) {
	cur := PortState{VLANMode: "trunk", Trunks: []int{10}}

	changes := PlanChanges(cur, "trunk", 0, []int{30, 10, 20})

	require.Len(t, changes, 1)
	assert.Equal(t, Assignment{Column: "trunks", Value: []int{10, 20, 30}}, changes[0])
}

func TestSetTapConvergesThenDoesNothing(t *testing.T) {
	c := newFakeClient()
	c.states["tap5"] = PortState{Bridge: "dsw-host", VLANMode: "trunk", Trunks: []int{1}}

	applied, err := SetTap(c, "tap5", "access", 5, nil)
	require.NoError(t, err)
	assert.Len(t, applied, 3)

	applied, err = SetTap(c, "tap5", "access", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, applied, "second pass must stage nothing")
}

func TestSetTapUnknownPort(t *testing.T) {
	c := newFakeClient()

	_, err := SetTap(c, "tap9", "access", 9, nil)

	assert.True(t, errors.Is(err, ErrPortNotFound))
	assert.Empty(t, c.sets, "no write may happen for an unknown port")
}

func TestSameVLANSetWithDuplicates(t *testing.T) {
	assert.True(t, sameVLANSet([]int{10, 10, 20}, []int{20, 10}))
	assert.False(t, sameVLANSet([]int{10, 20}, []int{10}))
	assert.False(t, sameVLANSet([]int{10}, []int{10, 20}))
	assert.True(t, sameVLANSet(nil, nil))
}
