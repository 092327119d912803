package ovs

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// RunFunc executes ovs-vsctl with the given arguments and returns its
// combined output. Swapped out in tests.
type RunFunc func(args ...string) (string, error)

// VsctlClient drives the switch through the ovs-vsctl command-line tool.
// It is the transport used by the standalone switch-maintenance path.
type VsctlClient struct {
	run RunFunc
}

// NewVsctlClient returns a client shelling out to ovs-vsctl.
func NewVsctlClient() *VsctlClient {
	return &VsctlClient{run: runVsctl}
}

// NewVsctlClientWithRunner returns a client using a custom runner.
func NewVsctlClientWithRunner(run RunFunc) *VsctlClient {
	return &VsctlClient{run: run}
}

func runVsctl(args ...string) (string, error) {
	out, err := exec.Command("ovs-vsctl", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ovs-vsctl %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *VsctlClient) PortState(name string) (PortState, error) {
	bridge, err := c.PortBridge(name)
	if err != nil {
		return PortState{}, err
	}

	var state PortState
	state.Bridge = bridge

	mode, err := c.getColumn(name, "vlan_mode")
	if err != nil {
		return PortState{}, err
	}
	state.VLANMode = strings.Trim(mode, `"`)
	if state.VLANMode == "[]" {
		state.VLANMode = ""
	}

	tag, err := c.getColumn(name, "tag")
	if err != nil {
		return PortState{}, err
	}
	if tag != "[]" {
		n, convErr := strconv.Atoi(tag)
		if convErr != nil {
			return PortState{}, &QueryError{Port: name, Err: fmt.Errorf("unexpected tag %q", tag)}
		}
		state.Tag = n
	}

	trunks, err := c.getColumn(name, "trunks")
	if err != nil {
		return PortState{}, err
	}
	state.Trunks, err = parseVLANList(trunks)
	if err != nil {
		return PortState{}, &QueryError{Port: name, Err: err}
	}
	return state, nil
}

func (c *VsctlClient) PortBridge(name string) (string, error) {
	out, err := c.run("port-to-br", name)
	if err != nil {
		if isNoRow(err) {
			return "", fmt.Errorf("%w: %s", ErrPortNotFound, name)
		}
		return "", &QueryError{Port: name, Err: err}
	}
	return out, nil
}

func (c *VsctlClient) BridgeExists(name string) (bool, error) {
	// br-exists signals absence through exit code 2.
	if _, err := c.run("br-exists", name); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
			return false, nil
		}
		return false, &QueryError{Port: name, Err: err}
	}
	return true, nil
}

// SetPort issues all assignments as a single set invocation so observers
// never see the port with only part of the new configuration.
func (c *VsctlClient) SetPort(name string, assigns []Assignment) error {
	args := []string{"set", "port", name}
	for _, a := range assigns {
		args = append(args, a.Column+"="+renderValue(a.Value))
	}
	_, err := c.run(args...)
	return err
}

func (c *VsctlClient) getColumn(port, column string) (string, error) {
	out, err := c.run("get", "port", port, column)
	if err != nil {
		if isNoRow(err) {
			return "", fmt.Errorf("%w: %s", ErrPortNotFound, port)
		}
		return "", &QueryError{Port: port, Err: err}
	}
	return out, nil
}

// renderValue formats an assignment value in ovs-vsctl syntax.
func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "[]"
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case []int:
		parts := make([]string, len(val))
		for i, n := range val {
			parts[i] = strconv.Itoa(n)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// parseVLANList parses ovs-vsctl set output such as "[]" or "[10, 20]".
func parseVLANList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	var vlans []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("unexpected VLAN list entry %q", part)
		}
		vlans = append(vlans, n)
	}
	return vlans, nil
}

// isNoRow reports whether an ovs-vsctl error means the row does not exist.
func isNoRow(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no row") || strings.Contains(msg, "no port named")
}
