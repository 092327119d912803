// Package seed synthesizes cloud-init seed images: the metadata,
// user-data, and network-config documents a guest's first-boot agent
// consumes, frozen into a small disk image by cloud-localds.
package seed

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/inetlab/ovslab/internal/declaration"
)

// RunFunc executes an external tool and returns its combined output.
type RunFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Builder creates seed images in Dir (the working directory when empty).
type Builder struct {
	Dir string
	run RunFunc
}

// NewBuilder returns a Builder invoking the real cloud-localds tool.
func NewBuilder(dir string) *Builder {
	return &Builder{Dir: dir, run: runCommand}
}

// NewBuilderWithRunner returns a Builder using a custom tool runner.
func NewBuilderWithRunner(dir string, run RunFunc) *Builder {
	return &Builder{Dir: dir, run: run}
}

// metadata is the cloud-init meta-data document.
type metadata struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// userData is the cloud-config document. Field order matches the document
// layout the guests have always received.
type userData struct {
	Users      []declaration.User      `yaml:"users,omitempty"`
	Hostname   string                  `yaml:"hostname,omitempty"`
	Packages   []string                `yaml:"packages,omitempty"`
	RunCmd     []string                `yaml:"runcmd,omitempty"`
	WriteFiles []declaration.WriteFile `yaml:"write_files,omitempty"`
}

// Build synthesizes the seed image for one VM and returns its path.
// It returns "" when the VM declares no cloud-init block. An existing
// seed image is reused unless force_seed is set, so re-runs are cheap.
func (b *Builder) Build(vm *declaration.VM) (string, error) {
	if vm.CloudInit == nil {
		return "", nil
	}
	ci := vm.CloudInit
	seedImg := filepath.Join(b.Dir, vm.Name+"-seed.img")

	if _, err := os.Stat(seedImg); err == nil && !ci.ForceSeed {
		return seedImg, nil
	}

	tmpDir, err := os.MkdirTemp("", "ovslab-seed-")
	if err != nil {
		return "", fmt.Errorf("create seed workdir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	metaPath := filepath.Join(tmpDir, "meta-data")
	meta := metadata{InstanceID: ci.Hostname, LocalHostname: ci.Hostname}
	if err := writeYAML(metaPath, "", meta); err != nil {
		return "", err
	}

	// The VRF augmentation must land in the document before it is
	// serialized: cloud-localds consumes a single frozen user-data file.
	ud := userData{
		Users:      ci.Users,
		Hostname:   ci.Hostname,
		Packages:   ci.Packages,
		RunCmd:     ci.RunCmd,
		WriteFiles: ci.WriteFiles,
	}
	if hasVRF(ci.Netplan) {
		extra, err := vrfRunCmds(ci.Netplan)
		if err != nil {
			return "", fmt.Errorf("VM %s: %w", vm.Name, err)
		}
		ud.RunCmd = append(ud.RunCmd, extra...)
	}
	userPath := filepath.Join(tmpDir, "user-data")
	if err := writeYAML(userPath, "#cloud-config\n", ud); err != nil {
		return "", err
	}

	args := []string{seedImg, userPath, metaPath}
	if len(ci.Netplan) > 0 {
		netPath := filepath.Join(tmpDir, "network-config")
		if err := writeYAML(netPath, "# network-config\n", ci.Netplan); err != nil {
			return "", err
		}
		args = append(args, "--network-config", netPath)
	}

	if out, err := b.run("cloud-localds", args...); err != nil {
		return "", fmt.Errorf("cloud-localds for %s: %w: %s",
			vm.Name, err, strings.TrimSpace(string(out)))
	}
	return seedImg, nil
}

func writeYAML(path, header string, doc any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
