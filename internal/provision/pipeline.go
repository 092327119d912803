// Package provision stages and launches virtual machines from validated
// declarations: disk images, UEFI firmware, TPM state, cloud-init seeds,
// and the final hypervisor invocation. Each VM runs its pipeline to
// completion or fails alone; a failed stage never touches sibling VMs and
// never rolls back the stages that already completed.
package provision

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/inetlab/ovslab/internal/config"
	"github.com/inetlab/ovslab/internal/declaration"
	"github.com/inetlab/ovslab/internal/identity"
	"github.com/inetlab/ovslab/internal/log"
	"github.com/inetlab/ovslab/internal/probe"
	"github.com/inetlab/ovslab/internal/seed"
)

var (
	// ErrAlreadyRunning gates a VM whose name is already claimed by a
	// live hypervisor process.
	ErrAlreadyRunning = errors.New("VM already running")
	// ErrTapBusy gates a VM whose tap is already attached elsewhere.
	ErrTapBusy = errors.New("tap already in use")
	// ErrImageNotFound reports a missing master image.
	ErrImageNotFound = errors.New("master image not found")
)

// LaunchError reports a failed hypervisor launch together with the
// diagnostic output the tool produced.
type LaunchError struct {
	VM     string
	Output string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s failed to start: %v: %s", e.VM, e.Err, e.Output)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// RunFunc executes an external tool and returns its combined output.
type RunFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// tpmWaitRetries bounds the wait for the TPM emulator control socket.
const (
	tpmWaitRetries  = 20
	tpmWaitInterval = time.Second
)

// Pipeline provisions VMs against one host configuration.
type Pipeline struct {
	Config  config.Config
	Probes  *probe.Checker
	Deriver identity.Deriver
	Seeds   *seed.Builder
	// WorkDir is where VM images, firmware copies, and seeds live.
	WorkDir string

	run   RunFunc
	sleep func(time.Duration)
	spawn func(name string, args ...string) error
}

// New returns a Pipeline wired to the real host tools.
func New(cfg config.Config, workDir string) *Pipeline {
	return &Pipeline{
		Config:  cfg,
		Probes:  probe.New(),
		Deriver: identity.Deriver{OUI: cfg.VendorOUI, LinkLocalPrefix: cfg.LinkLocalPrefix},
		Seeds:   seed.NewBuilder(workDir),
		WorkDir: workDir,
		run:     runCommand,
		sleep:   time.Sleep,
		spawn:   spawnDetached,
	}
}

// spawnDetached starts a long-lived helper process and releases it so it
// outlives this tool.
func spawnDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// Provision runs the full pipeline for one validated VM declaration.
func (p *Pipeline) Provision(vm *declaration.VM) error {
	if err := p.gate(vm); err != nil {
		return err
	}

	vmImage, err := p.stageImage(vm)
	if err != nil {
		return err
	}

	var fw *firmware
	if vm.OS != declaration.OSIOSXE {
		fw, err = p.stageFirmware(vm.Name)
		if err != nil {
			return err
		}
	}

	storageArgs, err := p.stageStorage(vm)
	if err != nil {
		return err
	}

	var seedImg string
	if vm.OS != declaration.OSIOSXE {
		seedImg, err = p.Seeds.Build(vm)
		if err != nil {
			return err
		}
	}

	argv, err := p.buildCommand(vm, vmImage, fw, storageArgs, seedImg)
	if err != nil {
		return err
	}

	log.Info(fmt.Sprintf("Starting %s...", vm.Name))
	if out, err := p.run(argv[0], argv[1:]...); err != nil {
		return &LaunchError{VM: vm.Name, Output: strings.TrimSpace(string(out)), Err: err}
	}
	log.Ok(fmt.Sprintf("%s started!", vm.Name))
	return nil
}

// gate refuses to touch anything while the VM name or one of its taps is
// owned by a live process. An unreadable process table is a hard failure,
// never an assumed-free resource.
func (p *Pipeline) gate(vm *declaration.VM) error {
	running, pid, err := p.Probes.VMRunning(vm.Name)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("%w: %s (PID %d)", ErrAlreadyRunning, vm.Name, pid)
	}
	for _, tap := range vm.Taps() {
		busy, pid, err := p.Probes.TapInUse(tap)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: tap%d (PID %d)", ErrTapBusy, tap, pid)
		}
	}
	return nil
}

// stageImage places the VM's boot disk, copying the master image only
// when the destination is missing or force_copy is set.
func (p *Pipeline) stageImage(vm *declaration.VM) (string, error) {
	format, err := declaration.ImageFormat(vm.MasterImage)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(p.WorkDir, vm.Name+"."+format)

	if _, err := os.Stat(dst); err == nil && !vm.ForceCopy {
		log.Skip(fmt.Sprintf("%s already exists", dst))
		return dst, nil
	}

	src := filepath.Join(p.Config.MasterDir, vm.MasterImage)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, src)
	}
	log.Info(fmt.Sprintf("Copying %s to %s...", src, dst))
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("copy master image: %w", err)
	}
	log.Ok("done.")
	return dst, nil
}

// firmware holds the per-VM boot file locations produced by staging.
type firmware struct {
	Code    string
	Vars    string
	TPMSock string
}

// stageFirmware prepares the per-VM working directory: the shared UEFI
// code symlink, the private variable store, and a running TPM emulator.
func (p *Pipeline) stageFirmware(vmName string) (*firmware, error) {
	for _, master := range []string{p.Config.OVMFCode, p.Config.OVMFVars} {
		if _, err := os.Stat(master); err != nil {
			return nil, fmt.Errorf("UEFI master file %s not found", master)
		}
	}

	baseDir := filepath.Join(p.WorkDir, vmName)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create VM directory: %w", err)
	}

	fw := &firmware{
		Code: filepath.Join(baseDir, "OVMF_CODE.fd"),
		Vars: filepath.Join(baseDir, "OVMF_VARS.fd"),
	}
	if _, err := os.Lstat(fw.Code); err != nil {
		log.Info("Creating OVMF_CODE.fd symlink...")
		if err := os.Symlink(p.Config.OVMFCode, fw.Code); err != nil {
			return nil, fmt.Errorf("symlink UEFI code: %w", err)
		}
	}
	if _, err := os.Stat(fw.Vars); err != nil {
		log.Info(fmt.Sprintf("Creating %s...", fw.Vars))
		if err := copyFile(p.Config.OVMFVars, fw.Vars); err != nil {
			return nil, fmt.Errorf("copy UEFI variables: %w", err)
		}
	}

	sock, err := p.stageTPM(filepath.Join(baseDir, "TPM"))
	if err != nil {
		return nil, err
	}
	fw.TPMSock = sock
	return fw, nil
}

// stageTPM makes sure a TPM emulator serves the VM's state directory.
// Emulator startup is not instantaneous, so this is the one place the
// pipeline polls for readiness instead of failing on absence.
func (p *Pipeline) stageTPM(tpmDir string) (string, error) {
	sock := filepath.Join(tpmDir, "swtpm-sock")
	if _, err := os.Stat(sock); err == nil {
		return sock, nil
	}
	if err := os.MkdirAll(tpmDir, 0o755); err != nil {
		return "", fmt.Errorf("create TPM directory: %w", err)
	}

	log.Info("Starting TPM emulator...")
	err := p.spawn("swtpm", "socket",
		"--tpmstate", "dir="+tpmDir,
		"--ctrl", "type=unixio,path="+sock,
		"--log", "file="+filepath.Join(tpmDir, "swtpm.log"),
		"--tpm2",
		"--terminate",
	)
	if err != nil {
		return "", fmt.Errorf("start swtpm: %w", err)
	}

	for i := 0; i < tpmWaitRetries; i++ {
		if _, err := os.Stat(sock); err == nil {
			return sock, nil
		}
		p.sleep(tpmWaitInterval)
	}
	return "", fmt.Errorf("TPM emulator socket %s did not appear", sock)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
