package seed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inetlab/ovslab/internal/declaration"
)

// captureRunner records the cloud-localds invocation and snapshots the
// document files while they still exist.
type captureRunner struct {
	args  []string
	docs  map[string]string
	calls int
}

func (c *captureRunner) run(name string, args ...string) ([]byte, error) {
	c.calls++
	c.args = args
	c.docs = map[string]string{}
	for _, arg := range args {
		data, err := os.ReadFile(arg)
		if err != nil {
			continue
		}
		c.docs[filepath.Base(arg)] = string(data)
	}
	return nil, nil
}

func linuxVM(ci *declaration.CloudInit) *declaration.VM {
	five := 5
	return &declaration.VM{
		Name:        "web",
		OS:          declaration.OSLinux,
		MasterImage: "debian-stable.qcow2",
		Memory:      2048,
		TapNum:      &five,
		CloudInit:   ci,
	}
}

func TestBuildSkipsWithoutCloudInit(t *testing.T) {
	r := &captureRunner{}
	b := NewBuilderWithRunner(t.TempDir(), r.run)

	img, err := b.Build(linuxVM(nil))

	require.NoError(t, err)
	assert.Empty(t, img)
	assert.Zero(t, r.calls)
}

func TestBuildReusesExistingSeed(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "web-seed.img")
	require.NoError(t, os.WriteFile(existing, []byte("seed"), 0o600))

	r := &captureRunner{}
	b := NewBuilderWithRunner(dir, r.run)

	img, err := b.Build(linuxVM(&declaration.CloudInit{Hostname: "web"}))

	require.NoError(t, err)
	assert.Equal(t, existing, img)
	assert.Zero(t, r.calls, "an existing seed must be reused")
}

func TestBuildForceSeedRebuilds(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "web-seed.img")
	require.NoError(t, os.WriteFile(existing, []byte("seed"), 0o600))

	r := &captureRunner{}
	b := NewBuilderWithRunner(dir, r.run)

	_, err := b.Build(linuxVM(&declaration.CloudInit{Hostname: "web", ForceSeed: true}))

	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
}

func TestBuildWritesDocuments(t *testing.T) {
	r := &captureRunner{}
	b := NewBuilderWithRunner(t.TempDir(), r.run)

	ci := &declaration.CloudInit{
		Hostname: "web",
		Users: []declaration.User{
			{Name: "etu", Sudo: "ALL=(ALL) NOPASSWD:ALL", SSHAuthorizedKeys: []string{"ssh-ed25519 AAAA"}},
		},
		Packages: []string{"qemu-guest-agent"},
		Netplan: map[string]any{
			"network": map[string]any{"version": 2},
		},
	}

	img, err := b.Build(linuxVM(ci))

	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
	assert.True(t, strings.HasSuffix(img, "web-seed.img"))

	meta := r.docs["meta-data"]
	assert.Contains(t, meta, "instance-id: web")
	assert.Contains(t, meta, "local-hostname: web")

	user := r.docs["user-data"]
	assert.True(t, strings.HasPrefix(user, "#cloud-config\n"))
	assert.Contains(t, user, "hostname: web")
	assert.Contains(t, user, "qemu-guest-agent")
	assert.Contains(t, user, "ssh-ed25519 AAAA")

	require.Contains(t, r.docs, "network-config")
	assert.True(t, strings.HasPrefix(r.docs["network-config"], "# network-config\n"))
	assert.Contains(t, r.args, "--network-config")
}

func TestBuildOmitsNetworkConfigWithoutNetplan(t *testing.T) {
	r := &captureRunner{}
	b := NewBuilderWithRunner(t.TempDir(), r.run)

	_, err := b.Build(linuxVM(&declaration.CloudInit{Hostname: "web"}))

	require.NoError(t, err)
	assert.NotContains(t, r.args, "--network-config")
	assert.NotContains(t, r.docs, "network-config")
}

func vrfNetplan() map[string]any {
	return map[string]any{
		"network": map[string]any{
			"version": 2,
			"vrfs": map[string]any{
				"mgmt-vrf": map[string]any{
					"table":      101,
					"interfaces": []any{"enp0s6"},
				},
			},
		},
	}
}

func TestBuildVRFAugmentsRunCmd(t *testing.T) {
	r := &captureRunner{}
	b := NewBuilderWithRunner(t.TempDir(), r.run)

	ci := &declaration.CloudInit{
		Hostname: "web",
		RunCmd:   []string{"echo first"},
		Netplan:  vrfNetplan(),
	}
	_, err := b.Build(linuxVM(ci))

	require.NoError(t, err)
	user := r.docs["user-data"]
	assert.Contains(t, user, "echo first")
	assert.Contains(t, user, "systemd-networkd-wait-online -o routable -i enp0s6")
	assert.Contains(t, user, "vrf-ssh.service")
	assert.Contains(t, user, "nameserver 172.16.0.2")
	assert.Less(t, strings.Index(user, "echo first"), strings.Index(user, "vrf-ssh.service"),
		"declared commands must run before the augmentation")
}

func TestBuildVRFWithoutInterfacesFails(t *testing.T) {
	r := &captureRunner{}
	b := NewBuilderWithRunner(t.TempDir(), r.run)

	ci := &declaration.CloudInit{
		Hostname: "web",
		Netplan: map[string]any{
			"network": map[string]any{
				"vrfs": map[string]any{
					"mgmt-vrf": map[string]any{"table": 101},
				},
			},
		},
	}
	_, err := b.Build(linuxVM(ci))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no VRF interfaces")
	assert.Zero(t, r.calls)
}

func TestHasVRF(t *testing.T) {
	assert.True(t, hasVRF(vrfNetplan()))
	assert.False(t, hasVRF(map[string]any{"network": map[string]any{"version": 2}}))
	assert.False(t, hasVRF(nil))
}
