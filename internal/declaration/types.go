// Package declaration defines the typed model for ovslab YAML declaration
// files and validates whole declaration sets before any mutation happens.
package declaration

import (
	"fmt"
	"strings"
)

// OS identifies the declaration variant of a VM.
type OS string

const (
	OSLinux   OS = "linux"
	OSWindows OS = "windows"
	OSIOSXE   OS = "iosxe"
)

// Bus identifies the attachment bus family of a storage device.
type Bus string

const (
	BusVirtio Bus = "virtio"
	BusSCSI   Bus = "scsi"
	BusNVMe   Bus = "nvme"
)

// MaxTapNum is the largest tap index a declaration may carry. The MAC
// suffix encodes the tap number in 16 bits, so anything above would
// overflow the derived address space.
const MaxTapNum = 65535

// Lab is the top-level structure of a VM declaration file.
type Lab struct {
	KVM KVMSection `yaml:"kvm"`
}

// KVMSection groups the VM declarations of one lab run.
type KVMSection struct {
	VMs []VM `yaml:"vms"`
}

// VM is one virtual-machine declaration. The set of meaningful fields
// depends on OS: linux and windows declare memory and a single tapnum,
// iosxe declares a tapnumlist and nothing else beyond the common fields.
type VM struct {
	Name        string     `yaml:"vm_name"`
	OS          OS         `yaml:"os"`
	MasterImage string     `yaml:"master_image"`
	ForceCopy   bool       `yaml:"force_copy"`
	Memory      int        `yaml:"memory,omitempty"`
	TapNum      *int       `yaml:"tapnum,omitempty"`
	TapNumList  []int      `yaml:"tapnumlist,omitempty"`
	CloudInit   *CloudInit `yaml:"cloud_init,omitempty"`
	Devices     *Devices   `yaml:"devices,omitempty"`
}

// Taps returns every tap index the VM claims, in declaration order.
func (v VM) Taps() []int {
	if v.OS == OSIOSXE {
		return v.TapNumList
	}
	if v.TapNum == nil {
		return nil
	}
	return []int{*v.TapNum}
}

// Devices groups the optional device attachments of a linux/windows VM.
type Devices struct {
	Storage []StorageDevice `yaml:"storage"`
}

// StorageDevice declares one extra disk. The on-disk filename is DevName
// and its format follows from the filename extension.
type StorageDevice struct {
	DevName string `yaml:"dev_name"`
	Bus     Bus    `yaml:"bus"`
	Size    string `yaml:"size"`
	Addr    *int   `yaml:"addr,omitempty"`
}

// CloudInit is the optional first-boot provisioning block of a VM.
type CloudInit struct {
	ForceSeed  bool           `yaml:"force_seed,omitempty"`
	Hostname   string         `yaml:"hostname,omitempty"`
	Users      []User         `yaml:"users,omitempty"`
	Packages   []string       `yaml:"packages,omitempty"`
	Netplan    map[string]any `yaml:"netplan,omitempty"`
	WriteFiles []WriteFile    `yaml:"write_files,omitempty"`
	RunCmd     []string       `yaml:"runcmd,omitempty"`
}

// User declares one guest account created by cloud-init.
type User struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// WriteFile declares one file written into the guest by cloud-init.
type WriteFile struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
	Append  bool   `yaml:"append,omitempty"`
}

// SwitchFile is the top-level structure of a switch declaration file.
type SwitchFile struct {
	OVS OVSSection `yaml:"ovs"`
}

// OVSSection groups the switch declarations of one reconciliation run.
type OVSSection struct {
	Switches []Switch `yaml:"switches"`
}

// Switch declares one software switch and the ports it should carry.
type Switch struct {
	Name  string `yaml:"name"`
	Ports []Port `yaml:"ports"`
}

// Port declares the desired VLAN configuration of one switch port.
// Tag is meaningful only in access mode, Trunks only in trunk mode.
type Port struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	VLANMode string `yaml:"vlan_mode"`
	Tag      int    `yaml:"tag,omitempty"`
	Trunks   []int  `yaml:"trunks,omitempty"`
}

// ImageFormat maps a disk image filename to its format by extension.
// Only qcow2 and raw images are supported.
func ImageFormat(filename string) (string, error) {
	switch {
	case strings.HasSuffix(filename, ".qcow2"):
		return "qcow2", nil
	case strings.HasSuffix(filename, ".raw"):
		return "raw", nil
	default:
		return "", fmt.Errorf("image %s: format not supported (want .qcow2 or .raw)", filename)
	}
}
