package ovs

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner replies to ovs-vsctl invocations from a canned table and
// records every invocation.
type scriptedRunner struct {
	replies map[string]string
	errs    map[string]error
	calls   []string
}

func (s *scriptedRunner) run(args ...string) (string, error) {
	key := strings.Join(args, " ")
	s.calls = append(s.calls, key)
	if err, ok := s.errs[key]; ok {
		return "", err
	}
	out, ok := s.replies[key]
	if !ok {
		return "", fmt.Errorf("unexpected invocation: ovs-vsctl %s", key)
	}
	return out, nil
}

func TestVsctlPortState(t *testing.T) {
	r := &scriptedRunner{replies: map[string]string{
		"port-to-br tap5":         "dsw-host",
		"get port tap5 vlan_mode": "access",
		"get port tap5 tag":       "5",
		"get port tap5 trunks":    "[]",
	}}
	c := NewVsctlClientWithRunner(r.run)

	state, err := c.PortState("tap5")

	require.NoError(t, err)
	assert.Equal(t, PortState{Bridge: "dsw-host", VLANMode: "access", Tag: 5}, state)
}

func TestVsctlPortStateUnsetColumns(t *testing.T) {
	r := &scriptedRunner{replies: map[string]string{
		"port-to-br tap7":         "dsw-host",
		"get port tap7 vlan_mode": "[]",
		"get port tap7 tag":       "[]",
		"get port tap7 trunks":    "[10, 20]",
	}}
	c := NewVsctlClientWithRunner(r.run)

	state, err := c.PortState("tap7")

	require.NoError(t, err)
	assert.Equal(t, "", state.VLANMode)
	assert.Equal(t, 0, state.Tag)
	assert.Equal(t, []int{10, 20}, state.Trunks)
}

func TestVsctlMissingPort(t *testing.T) {
	r := &scriptedRunner{errs: map[string]error{
		"port-to-br tap9": errors.New(`ovs-vsctl: no port named tap9`),
	}}
	c := NewVsctlClientWithRunner(r.run)

	_, err := c.PortState("tap9")

	assert.True(t, errors.Is(err, ErrPortNotFound))
}

func TestVsctlQueryFailureIsNotNotFound(t *testing.T) {
	r := &scriptedRunner{errs: map[string]error{
		"port-to-br tap9": errors.New("database connection failed"),
	}}
	c := NewVsctlClientWithRunner(r.run)

	_, err := c.PortState("tap9")

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPortNotFound))
	var qerr *QueryError
	assert.True(t, errors.As(err, &qerr))
}

func TestVsctlSetPortSingleInvocation(t *testing.T) {
	r := &scriptedRunner{replies: map[string]string{
		"set port tap5 vlan_mode=access trunks=[] tag=5": "",
	}}
	c := NewVsctlClientWithRunner(r.run)

	err := c.SetPort("tap5", []Assignment{
		{Column: "vlan_mode", Value: "access"},
		{Column: "trunks", Value: nil},
		{Column: "tag", Value: 5},
	})

	require.NoError(t, err)
	assert.Len(t, r.calls, 1, "all assignments must ride one invocation")
}

func TestVsctlBridgeExists(t *testing.T) {
	r := &scriptedRunner{replies: map[string]string{
		"br-exists dsw-host": "",
	}}
	c := NewVsctlClientWithRunner(r.run)

	exists, err := c.BridgeExists("dsw-host")

	require.NoError(t, err)
	assert.True(t, exists)
}

func TestVsctlBridgeExistsExitTwoMeansAbsent(t *testing.T) {
	// br-exists uses exit code 2 for "no such bridge".
	exitTwo := exec.Command("sh", "-c", "exit 2").Run()
	var exitErr *exec.ExitError
	require.True(t, errors.As(exitTwo, &exitErr))
	require.Equal(t, 2, exitErr.ExitCode())

	r := &scriptedRunner{errs: map[string]error{
		"br-exists nope": fmt.Errorf("ovs-vsctl br-exists nope: %w", exitTwo),
	}}
	c := NewVsctlClientWithRunner(r.run)

	exists, err := c.BridgeExists("nope")

	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRenderValue(t *testing.T) {
	assert.Equal(t, "[]", renderValue(nil))
	assert.Equal(t, "access", renderValue("access"))
	assert.Equal(t, "5", renderValue(5))
	assert.Equal(t, "[10,20]", renderValue([]int{10, 20}))
}

func TestParseVLANList(t *testing.T) {
	vlans, err := parseVLANList("[10, 20]")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20}, vlans)

	vlans, err = parseVLANList("[]")
	require.NoError(t, err)
	assert.Nil(t, vlans)

	_, err = parseVLANList("[10, oops]")
	assert.Error(t, err)
}
