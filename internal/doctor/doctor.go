// Package doctor checks the host prerequisites: the external tools the
// engine shells out to, KVM access, and the directories it writes.
package doctor

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/inetlab/ovslab/internal/config"
)

// CheckResult holds the outcome of a single doctor check.
type CheckResult struct {
	Name     string
	OK       bool
	Message  string
	HowToFix string
}

// RunChecks performs all prerequisite checks and returns the results.
// It never returns an error itself; pass/fail is encoded in each CheckResult.
func RunChecks(cfg config.Config) []CheckResult {
	return []CheckResult{
		checkCommand("qemu", "qemu-system-x86_64", "--version"),
		checkCommand("qemu-img", "qemu-img", "--version"),
		checkCommand("cloud-localds", "cloud-localds", "--version"),
		checkCommand("swtpm", "swtpm", "--version"),
		checkCommand("ovs-vsctl", "ovs-vsctl", "--version"),
		checkCommand("pgrep", "pgrep", "--version"),
		checkKVM(),
		checkOVSSocket(cfg.OVSSocket),
		checkMasterDir(cfg.MasterDir),
		checkDataDir(),
	}
}

// checkCommand verifies that an executable is on PATH and runs without error.
func checkCommand(name, bin string, args ...string) CheckResult {
	path, err := exec.LookPath(bin)
	if err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("%s not found in PATH", bin),
			HowToFix: ubuntuInstallHint(bin),
		}
	}
	cmd := exec.Command(path, args...) //nolint:gosec // path is resolved via LookPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("%s found but failed: %s", bin, string(out)),
			HowToFix: ubuntuInstallHint(bin),
		}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s found", path)}
}

// checkKVM verifies that /dev/kvm exists and is accessible.
func checkKVM() CheckResult {
	const name = "qemu/kvm"
	if _, err := os.Stat("/dev/kvm"); os.IsNotExist(err) {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  "/dev/kvm not found; KVM may not be available",
			HowToFix: "Ensure your CPU supports virtualisation and it is enabled in BIOS/UEFI.\nInstall: sudo apt install qemu-kvm",
		}
	}
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return CheckResult{
			Name:    name,
			OK:      false,
			Message: fmt.Sprintf("/dev/kvm exists but is not accessible: %v", err),
			HowToFix: "Add your user to the 'kvm' group:\n" +
				"  sudo usermod -aG kvm \"$USER\"   # then log out and back in",
		}
	}
	f.Close()
	return CheckResult{Name: name, OK: true, Message: "/dev/kvm is accessible"}
}

// checkOVSSocket verifies that the OVSDB unix socket exists.
func checkOVSSocket(path string) CheckResult {
	const name = "ovsdb socket"
	if _, err := os.Stat(path); err != nil {
		return CheckResult{
			Name:    name,
			OK:      false,
			Message: fmt.Sprintf("%s not found: %v", path, err),
			HowToFix: "Ensure Open vSwitch is running:\n" +
				"  sudo systemctl start openvswitch-switch",
		}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s found", path)}
}

// checkMasterDir verifies that the master image directory exists.
func checkMasterDir(dir string) CheckResult {
	const name = "master image directory"
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("%s is not a readable directory", dir),
			HowToFix: fmt.Sprintf("Create it and place master images there:\n  mkdir -p %s", dir),
		}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s found", dir)}
}

// checkDataDir verifies that the ovslab data directory can be created.
func checkDataDir() CheckResult {
	const name = "data directory access"
	dir := config.DataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("cannot create %s: %v", dir, err),
			HowToFix: "Check that your home directory is writable and you have sufficient disk space.",
		}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("data dir ready (%s)", dir)}
}

// ubuntuInstallHint returns a human-friendly install hint for a known binary.
func ubuntuInstallHint(bin string) string {
	hints := map[string]string{
		"qemu-system-x86_64": "sudo apt install qemu-system-x86",
		"qemu-img":           "sudo apt install qemu-utils",
		"cloud-localds":      "sudo apt install cloud-image-utils",
		"swtpm":              "sudo apt install swtpm",
		"ovs-vsctl":          "sudo apt install openvswitch-switch",
		"pgrep":              "sudo apt install procps",
	}
	if hint, ok := hints[bin]; ok {
		return hint
	}
	return fmt.Sprintf("Install %q and ensure it is on your PATH.", bin)
}
