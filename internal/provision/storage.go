package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inetlab/ovslab/internal/declaration"
	"github.com/inetlab/ovslab/internal/log"
)

// stageStorage creates the backing image of every declared storage device
// when absent and returns the hypervisor argv fragments attaching them.
// Drive IDs are 1-based and follow declaration order.
func (p *Pipeline) stageStorage(vm *declaration.VM) ([]string, error) {
	if vm.Devices == nil || len(vm.Devices.Storage) == 0 {
		return nil, nil
	}
	var args []string
	for i, dev := range vm.Devices.Storage {
		idx := i + 1
		path := filepath.Join(p.WorkDir, dev.DevName)
		format, err := declaration.ImageFormat(dev.DevName)
		if err != nil {
			return nil, err
		}
		if err := p.createDeviceImage(path, format, dev.Size); err != nil {
			return nil, err
		}
		args = append(args, deviceArgs(dev, path, format, idx)...)
	}
	return args, nil
}

// createDeviceImage makes the backing file when it does not exist yet.
// qcow2 images get lazy refcounts and extended L2 entries; raw images take
// no creation options.
func (p *Pipeline) createDeviceImage(path, format, size string) error {
	if _, err := os.Stat(path); err == nil {
		log.Skip(fmt.Sprintf("%s already exists", path))
		return nil
	}
	log.Info(fmt.Sprintf("Creating %s...", path))
	args := []string{"create", "-f", format}
	if format == "qcow2" {
		args = append(args, "-o", "lazy_refcounts=on,extended_l2=on")
	}
	args = append(args, path, size)
	if out, err := p.run("qemu-img", args...); err != nil {
		return fmt.Errorf("create device image %s: %w: %s",
			path, err, strings.TrimSpace(string(out)))
	}
	log.Ok("done.")
	return nil
}

// deviceArgs renders the bus-specific attachment fragment of one device.
func deviceArgs(dev declaration.StorageDevice, path, format string, idx int) []string {
	driveID := fmt.Sprintf("drive%d", idx)
	drive := fmt.Sprintf("file=%s,format=%s,media=disk,if=none,id=%s,cache=writeback",
		path, format, driveID)

	switch dev.Bus {
	case declaration.BusVirtio:
		return []string{
			"-drive", drive,
			"-device", fmt.Sprintf("virtio-blk-pci,drive=%s,scsi=off,config-wce=off", driveID),
		}
	case declaration.BusSCSI:
		lun := idx
		if dev.Addr != nil {
			lun = *dev.Addr
		}
		return []string{
			"-device", fmt.Sprintf("virtio-scsi-pci,id=scsi%d,bus=pcie.0", idx),
			"-drive", drive,
			"-device", fmt.Sprintf("scsi-hd,drive=%s,channel=0,scsi-id=%d,lun=%d",
				driveID, idx, lun),
		}
	case declaration.BusNVMe:
		return []string{
			"-drive", drive,
			"-device", fmt.Sprintf("nvme,drive=%s,serial=feedcafe%d", driveID, idx),
		}
	}
	return nil
}
