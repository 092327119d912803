package declaration

import "fmt"

// minMemoryMB is the smallest allocation a VM can boot with.
const minMemoryMB = 512

// ValidateLab checks a whole VM declaration set. Validation is pure: either
// the entire set is accepted or the first violation is returned and nothing
// has been touched. Tap uniqueness is checked across the whole set,
// including the entries of a single iosxe tap list.
func ValidateLab(lab *Lab) error {
	if len(lab.KVM.VMs) == 0 {
		return &SchemaError{Owner: "kvm", Field: "vms", Reason: "at least one VM is required"}
	}

	names := map[string]bool{}
	for i := range lab.KVM.VMs {
		vm := &lab.KVM.VMs[i]
		if err := validateVM(vm); err != nil {
			return err
		}
		if names[vm.Name] {
			return &SchemaError{Owner: vm.Name, Field: "vm_name", Reason: "duplicate VM name"}
		}
		names[vm.Name] = true
	}

	// Tap indices are the one globally shared resource of a run.
	owners := map[int]string{}
	for _, vm := range lab.KVM.VMs {
		for _, tap := range vm.Taps() {
			if first, taken := owners[tap]; taken {
				return &DuplicateTapError{TapNum: tap, Owners: []string{first, vm.Name}}
			}
			owners[tap] = vm.Name
		}
	}
	return nil
}

func validateVM(vm *VM) error {
	if vm.Name == "" {
		return &SchemaError{Owner: "unknown", Field: "vm_name", Reason: "required"}
	}
	if vm.MasterImage == "" {
		return &SchemaError{Owner: vm.Name, Field: "master_image", Reason: "required"}
	}
	if _, err := ImageFormat(vm.MasterImage); err != nil {
		return &SchemaError{Owner: vm.Name, Field: "master_image", Reason: err.Error()}
	}

	switch vm.OS {
	case OSLinux, OSWindows:
		if vm.Memory < minMemoryMB {
			return &SchemaError{
				Owner:  vm.Name,
				Field:  "memory",
				Reason: fmt.Sprintf("must be at least %d MB, got %d", minMemoryMB, vm.Memory),
			}
		}
		if vm.TapNum == nil {
			return &SchemaError{Owner: vm.Name, Field: "tapnum", Reason: "required for linux/windows"}
		}
		if err := checkTapRange(vm.Name, "tapnum", *vm.TapNum); err != nil {
			return err
		}
		if len(vm.TapNumList) > 0 {
			return &SchemaError{Owner: vm.Name, Field: "tapnumlist", Reason: "only valid for iosxe"}
		}
		if vm.Devices != nil {
			for i := range vm.Devices.Storage {
				if err := validateStorage(vm.Name, &vm.Devices.Storage[i]); err != nil {
					return err
				}
			}
		}
	case OSIOSXE:
		if len(vm.TapNumList) == 0 {
			return &SchemaError{Owner: vm.Name, Field: "tapnumlist", Reason: "required for iosxe"}
		}
		for _, tap := range vm.TapNumList {
			if err := checkTapRange(vm.Name, "tapnumlist", tap); err != nil {
				return err
			}
		}
		if vm.Memory != 0 {
			return &SchemaError{Owner: vm.Name, Field: "memory", Reason: "not valid for iosxe"}
		}
		if vm.TapNum != nil {
			return &SchemaError{Owner: vm.Name, Field: "tapnum", Reason: "not valid for iosxe, use tapnumlist"}
		}
		// Device attachment is defined only for linux/windows.
		if vm.Devices != nil {
			return &SchemaError{Owner: vm.Name, Field: "devices", Reason: "not valid for iosxe"}
		}
		if vm.CloudInit != nil {
			return &SchemaError{Owner: vm.Name, Field: "cloud_init", Reason: "not valid for iosxe"}
		}
	case "":
		return &SchemaError{Owner: vm.Name, Field: "os", Reason: "required"}
	default:
		return &SchemaError{
			Owner:  vm.Name,
			Field:  "os",
			Reason: fmt.Sprintf("unsupported OS %q (want linux, windows, or iosxe)", vm.OS),
		}
	}
	return nil
}

func validateStorage(owner string, dev *StorageDevice) error {
	if dev.DevName == "" {
		return &SchemaError{Owner: owner, Field: "devices.storage.dev_name", Reason: "required"}
	}
	if _, err := ImageFormat(dev.DevName); err != nil {
		return &SchemaError{Owner: owner, Field: "devices.storage.dev_name", Reason: err.Error()}
	}
	switch dev.Bus {
	case BusVirtio, BusSCSI, BusNVMe:
	default:
		return &SchemaError{
			Owner:  owner,
			Field:  "devices.storage.bus",
			Reason: fmt.Sprintf("unsupported bus %q (want virtio, scsi, or nvme)", dev.Bus),
		}
	}
	if dev.Size == "" {
		return &SchemaError{Owner: owner, Field: "devices.storage.size", Reason: "required"}
	}
	return nil
}

func checkTapRange(owner, field string, tap int) error {
	if tap < 0 || tap > MaxTapNum {
		return &SchemaError{
			Owner:  owner,
			Field:  field,
			Reason: fmt.Sprintf("tap index %d out of range [0, %d]", tap, MaxTapNum),
		}
	}
	return nil
}

// ValidateSwitches checks a whole switch declaration set.
func ValidateSwitches(sf *SwitchFile) error {
	if len(sf.OVS.Switches) == 0 {
		return &SchemaError{Owner: "ovs", Field: "switches", Reason: "at least one switch is required"}
	}
	for _, sw := range sf.OVS.Switches {
		if sw.Name == "" {
			return &SchemaError{Owner: "ovs", Field: "switches.name", Reason: "required"}
		}
		seen := map[string]bool{}
		for i := range sw.Ports {
			port := &sw.Ports[i]
			if err := validatePort(sw.Name, port); err != nil {
				return err
			}
			if seen[port.Name] {
				return &SchemaError{
					Owner:  sw.Name,
					Field:  "ports.name",
					Reason: fmt.Sprintf("duplicate port %q", port.Name),
				}
			}
			seen[port.Name] = true
		}
	}
	return nil
}

func validatePort(switchName string, port *Port) error {
	owner := switchName + "/" + port.Name
	if port.Name == "" {
		return &SchemaError{Owner: switchName, Field: "ports.name", Reason: "required"}
	}
	if port.Type != "OVSPort" {
		return &SchemaError{
			Owner:  owner,
			Field:  "type",
			Reason: fmt.Sprintf("unsupported port type %q (want OVSPort)", port.Type),
		}
	}
	switch port.VLANMode {
	case "access":
		if err := checkVLANRange(owner, "tag", port.Tag); err != nil {
			return err
		}
		if len(port.Trunks) > 0 {
			return &SchemaError{Owner: owner, Field: "trunks", Reason: "not valid in access mode"}
		}
	case "trunk":
		if len(port.Trunks) == 0 {
			return &SchemaError{Owner: owner, Field: "trunks", Reason: "required in trunk mode"}
		}
		for _, vlan := range port.Trunks {
			if err := checkVLANRange(owner, "trunks", vlan); err != nil {
				return err
			}
		}
		if port.Tag != 0 {
			return &SchemaError{Owner: owner, Field: "tag", Reason: "not valid in trunk mode"}
		}
	default:
		return &SchemaError{
			Owner:  owner,
			Field:  "vlan_mode",
			Reason: fmt.Sprintf("unsupported mode %q (want access or trunk)", port.VLANMode),
		}
	}
	return nil
}

func checkVLANRange(owner, field string, vlan int) error {
	if vlan < 1 || vlan > 4094 {
		return &SchemaError{
			Owner:  owner,
			Field:  field,
			Reason: fmt.Sprintf("VLAN %d out of range [1, 4094]", vlan),
		}
	}
	return nil
}
