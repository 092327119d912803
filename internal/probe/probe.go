// Package probe answers resource-liveness questions by searching the host
// process table. The running hypervisor process is the true owner of a VM
// name, a tap interface, or an open disk image, so the process table is
// the single source of truth: it needs no lock file and survives crashes
// of this tool.
package probe

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrProbeUnavailable reports that the process table could not be queried
// at all. Callers must fail in that case: treating an unreadable table as
// "resource free" would allow double allocation.
var ErrProbeUnavailable = errors.New("process table unavailable")

// Process is one live process table entry.
type Process struct {
	PID     int
	Command string
}

// Table searches live processes by command-line pattern. The concrete
// matching strategy is stringly by nature; keeping it behind this
// interface lets it harden without touching callers.
type Table interface {
	// Search returns processes whose full command line matches the
	// pattern, pgrep -f style. ownOnly restricts the search to processes
	// of the invoking user.
	Search(pattern string, ownOnly bool) ([]Process, error)
}

// PgrepTable implements Table with the pgrep command.
type PgrepTable struct{}

func (PgrepTable) Search(pattern string, ownOnly bool) ([]Process, error) {
	args := []string{"-a", "-f"}
	if ownOnly {
		args = append(args, "-u", strconv.Itoa(os.Getuid()))
	}
	// Patterns may start with a dash ("-name web"), so terminate option
	// parsing before the pattern.
	args = append(args, "--", pattern)

	out, err := exec.Command("pgrep", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			// Exit 1 means no process matched.
			return nil, nil
		}
		return nil, fmt.Errorf("%w: pgrep: %v", ErrProbeUnavailable, err)
	}
	return parsePgrep(string(out)), nil
}

func parsePgrep(out string) []Process {
	var procs []Process
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		p := Process{PID: pid}
		if len(fields) == 2 {
			p.Command = fields[1]
		}
		procs = append(procs, p)
	}
	return procs
}

// Checker bundles the three liveness probes over one process table.
type Checker struct {
	Table Table
}

// New returns a Checker backed by pgrep.
func New() *Checker {
	return &Checker{Table: PgrepTable{}}
}

// VMRunning reports whether a hypervisor process with this VM name is
// already running under the invoking user.
func (c *Checker) VMRunning(name string) (bool, int, error) {
	procs, err := c.Table.Search(fmt.Sprintf("-name %s", name), true)
	if err != nil {
		return false, 0, err
	}
	if len(procs) == 0 {
		return false, 0, nil
	}
	return true, procs[0].PID, nil
}

// TapInUse reports whether some live process already attaches the tap as
// a network back-end.
func (c *Checker) TapInUse(tapnum int) (bool, int, error) {
	procs, err := c.Table.Search(fmt.Sprintf("=[t]ap%d,", tapnum), false)
	if err != nil {
		return false, 0, err
	}
	if len(procs) == 0 {
		return false, 0, nil
	}
	return true, procs[0].PID, nil
}

// ImageInUse reports whether a live qemu process holds the named image or
// disk file open.
func (c *Checker) ImageInUse(filename string) (bool, error) {
	procs, err := c.Table.Search("qemu", false)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		if strings.Contains(p.Command, filename) {
			return true, nil
		}
	}
	return false, nil
}
