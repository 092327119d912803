package provision

import (
	"fmt"

	"github.com/inetlab/ovslab/internal/declaration"
	"github.com/inetlab/ovslab/internal/identity"
)

// iosxeMemoryMB is the fixed guest memory of a network OS VM. The variant
// declares no memory field; the platform needs this much to boot.
const iosxeMemoryMB = 4096

// buildCommand assembles the complete hypervisor argv for one VM. The
// command daemonizes itself, so running it synchronously returns as soon
// as the guest is up.
func (p *Pipeline) buildCommand(vm *declaration.VM, vmImage string, fw *firmware, storageArgs []string, seedImg string) ([]string, error) {
	format, err := declaration.ImageFormat(vm.MasterImage)
	if err != nil {
		return nil, err
	}
	if vm.OS == declaration.OSIOSXE {
		return p.buildNetworkOSCommand(vm, vmImage, format), nil
	}

	tap := *vm.TapNum
	telnetPort := p.Config.TelnetBasePort + tap
	spicePort := p.Config.SpiceBasePort + tap

	var gpu string
	switch vm.OS {
	case declaration.OSLinux:
		gpu = "qxl,vgamem_mb=64,vram64_size_mb=64,vram_size_mb=64"
	case declaration.OSWindows:
		gpu = "qxl-vga,vgamem_mb=512,vram64_size_mb=512,vram_size_mb=512"
	default:
		return nil, fmt.Errorf("OS %s is not supported", vm.OS)
	}

	cmd := []string{
		"qemu-system-x86_64",
		"-machine", "type=q35,smm=on,accel=kvm:tcg,kernel-irqchip=split",
		"-cpu", "max,l3-cache=on,+vmx,pcid=on,spec-ctrl=on,stibp=on,ssbd=on,pdpe1gb=on,md-clear=on,vme=on,f16c=on,rdrand=on,tsc_adjust=on,xsaveopt=on,hypervisor=on,arat=off,abm=on",
		"-device", "intel-iommu,intremap=on",
		"-smp", "sockets=2,cores=4,threads=1",
		"-object", fmt.Sprintf("memory-backend-ram,size=%dM,id=mem0", vm.Memory),
		"-m", fmt.Sprintf("%dM,maxmem=32G", vm.Memory),
		"-numa", "node,nodeid=0,cpus=0-7,memdev=mem0",
		"-daemonize",
		"-name", vm.Name,
		"-global", "ICH9-LPC.disable_s3=1",
		"-global", "ICH9-LPC.disable_s4=1",
		"-device", fmt.Sprintf("virtio-net-pci,mq=on,vectors=18,netdev=net%d,disable-legacy=on,disable-modern=off,mac=%s", tap, p.Deriver.MAC(tap)),
		"-netdev", fmt.Sprintf("type=tap,queues=8,ifname=%s,id=net%d,script=no,downscript=no,vhost=on", identity.TapName(tap), tap),
		"-serial", fmt.Sprintf("telnet:localhost:%d,server,nowait", telnetPort),
		"-device", "virtio-balloon-pci,deflate-on-oom=on,free-page-reporting=on",
		"-rtc", "base=localtime,clock=host",
		"-device", "i6300esb",
		"-watchdog-action", "poweroff",
		"-boot", "order=c,menu=on",
		"-drive", fmt.Sprintf("if=none,id=drive0,format=%s,media=disk,file=%s", format, vmImage),
		"-device", "nvme,drive=drive0,serial=feedcafe",
		"-global", "driver=cfi.pflash01,property=secure,value=on",
		"-drive", fmt.Sprintf("if=pflash,format=raw,unit=0,file=%s,readonly=on", fw.Code),
		"-drive", fmt.Sprintf("if=pflash,format=raw,unit=1,file=%s", fw.Vars),
		"-vga", "none",
		"-device", gpu,
		"-object", fmt.Sprintf("secret,id=spiceSec0,file=%s", p.Config.SpiceSecret),
		"-spice", fmt.Sprintf("port=%d,addr=localhost,password-secret=spiceSec0", spicePort),
		"-device", "virtio-serial-pci",
		"-device", "virtserialport,chardev=spicechannel0,name=com.redhat.spice.0",
		"-chardev", "spicevmc,id=spicechannel0,name=vdagent",
		"-object", "rng-random,filename=/dev/urandom,id=rng0",
		"-device", "virtio-rng-pci,rng=rng0",
		"-chardev", fmt.Sprintf("socket,id=chrtpm,path=%s", fw.TPMSock),
		"-tpmdev", "emulator,id=tpm0,chardev=chrtpm",
		"-device", "tpm-tis,tpmdev=tpm0",
		"-usb",
		"-device", "usb-tablet,bus=usb-bus.0",
		"-device", "ich9-intel-hda,addr=1f.1",
		"-audiodev", "spice,id=snd0",
		"-device", "hda-output,audiodev=snd0",
	}

	cmd = append(cmd, storageArgs...)
	if seedImg != "" {
		cmd = append(cmd, "-drive", fmt.Sprintf("file=%s,format=raw,if=virtio", seedImg))
	}
	return cmd, nil
}

// buildNetworkOSCommand assembles the argv of a network OS VM: fixed
// memory, a serial console on the first tap's telnet port, one interface
// per declared tap, no UEFI, TPM, display, or seed.
func (p *Pipeline) buildNetworkOSCommand(vm *declaration.VM, vmImage, format string) []string {
	taps := vm.TapNumList
	telnetPort := p.Config.TelnetBasePort + taps[0]

	cmd := []string{
		"qemu-system-x86_64",
		"-machine", "type=q35,accel=kvm:tcg",
		"-cpu", "max",
		"-smp", "sockets=1,cores=2,threads=1",
		"-m", fmt.Sprintf("%dM", iosxeMemoryMB),
		"-daemonize",
		"-name", vm.Name,
		"-rtc", "base=localtime,clock=host",
		"-drive", fmt.Sprintf("if=none,id=drive0,format=%s,media=disk,file=%s", format, vmImage),
		"-device", "virtio-blk-pci,drive=drive0",
		"-serial", fmt.Sprintf("telnet:localhost:%d,server,nowait", telnetPort),
		"-display", "none",
	}
	for _, tap := range taps {
		cmd = append(cmd,
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=%s", tap, p.Deriver.MAC(tap)),
			"-netdev", fmt.Sprintf("type=tap,ifname=%s,id=net%d,script=no,downscript=no,vhost=on",
				identity.TapName(tap), tap),
		)
	}
	return cmd
}
