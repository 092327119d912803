package seed

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// VM startup gets stuck waiting for the default interface to come up, so
// the wait-online unit must watch the VRF interface instead.
const networkdWaitOnlineOverride = `[Service]
ExecStart=
ExecStart=/lib/systemd/systemd-networkd-wait-online -o routable -i VRF_INTERFACE`

const networkdWaitOnlineOverrideFile = "/etc/systemd/system/systemd-networkd-wait-online.service.d/override.conf"

// The VRF carries the automation and management traffic, so SSH gets a
// dedicated service bound into the VRF context.
const vrfSSHService = `[Unit]
Description=OpenBSD Secure Shell server
Documentation=man:sshd(8) man:sshd_config(5)
After=network.target nss-user-lookup.target auditd.service
ConditionPathExists=!/etc/ssh/sshd_not_to_be_run

[Service]
EnvironmentFile=-/etc/default/ssh
ExecStartPre=/usr/sbin/ip vrf exec mgmt-vrf mkdir -p /run/sshd
ExecStartPre=/usr/sbin/ip vrf exec mgmt-vrf chmod 0755 /run/sshd
ExecStartPre=/usr/sbin/ip vrf exec mgmt-vrf /usr/sbin/sshd -t
ExecStart=/usr/sbin/ip vrf exec mgmt-vrf    /usr/sbin/sshd
ExecReload=/usr/sbin/ip vrf exec mgmt-vrf   /usr/sbin/sshd -t
ExecReload=/bin/kill -HUP ${MAINPID}
KillMode=process
Restart=on-failure
RestartPreventExitStatus=255
Type=notify
RuntimeDirectory=sshd
RuntimeDirectoryMode=0755

[Install]
WantedBy=multi-user.target
Alias=vrf-sshd.service`

const vrfSSHServiceFile = "/etc/systemd/system/vrf-ssh.service"

// hasVRF reports whether a netplan document declares VRFs.
func hasVRF(netplan map[string]any) bool {
	network, ok := netplan["network"].(map[string]any)
	if !ok {
		return false
	}
	vrfs, ok := network["vrfs"].(map[string]any)
	return ok && len(vrfs) > 0
}

// vrfRunCmds builds the run-command augmentation injected into user-data
// when the network plan declares a VRF: a networkd-wait-online override
// tuned to the VRF interface, the VRF-bound SSH service, and DNS
// rerouting (systemd-resolved listens on lo:127.0.0.53, which is not
// reachable from the VRF routing table).
func vrfRunCmds(netplan map[string]any) ([]string, error) {
	iface, err := firstVRFInterface(netplan)
	if err != nil {
		return nil, err
	}
	waitOnline := strings.ReplaceAll(networkdWaitOnlineOverride, "VRF_INTERFACE", iface)
	return []string{
		"mkdir -p /etc/systemd/system/systemd-networkd-wait-online.service.d",
		fmt.Sprintf("cat <<'EOF' >%s\n%s\nEOF", networkdWaitOnlineOverrideFile, waitOnline),
		fmt.Sprintf("cat <<'EOF' >%s\n%s\nEOF", vrfSSHServiceFile, vrfSSHService),
		"systemctl daemon-reload",
		"systemctl restart systemd-networkd-wait-online.service",
		"systemctl enable vrf-ssh.service",
		"systemctl start vrf-ssh.service",
		"mv /etc/resolv.conf /etc/resolv.conf.bak",
		"echo 'nameserver 172.16.0.2' > /etc/resolv.conf",
		"systemctl stop systemd-resolved",
		"systemctl disable systemd-resolved",
	}, nil
}

// firstVRFInterface returns the first interface of the first declared
// VRF, by VRF name order so the augmentation is deterministic.
func firstVRFInterface(netplan map[string]any) (string, error) {
	network, _ := netplan["network"].(map[string]any)
	vrfs, _ := network["vrfs"].(map[string]any)

	names := make([]string, 0, len(vrfs))
	for name := range vrfs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vrf, ok := vrfs[name].(map[string]any)
		if !ok {
			continue
		}
		ifaces, ok := vrf["interfaces"].([]any)
		if !ok || len(ifaces) == 0 {
			return "", errors.New("no VRF interfaces defined: declare at least one interface belonging to the VRF")
		}
		iface, ok := ifaces[0].(string)
		if !ok {
			return "", errors.New("VRF interface entries must be strings")
		}
		return iface, nil
	}
	return "", errors.New("no VRF interfaces defined: declare at least one interface belonging to the VRF")
}
