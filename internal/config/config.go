// Package config resolves the ovslab host configuration: where master
// images and firmware files live, how to reach the switch, and the fixed
// identity constants used to derive per-tap addresses. The engine never
// reads ambient globals; a Config value is built once and passed in.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds every host-level constant the provisioning and
// reconciliation engines depend on.
type Config struct {
	// MasterDir is the directory holding master disk images.
	MasterDir string `yaml:"master_dir"`
	// OVMFCode is the shared, read-only UEFI firmware code file.
	OVMFCode string `yaml:"ovmf_code"`
	// OVMFVars is the UEFI variable-store template copied per VM.
	OVMFVars string `yaml:"ovmf_vars"`
	// OVSSocket is the OVSDB unix socket used by the database transport.
	OVSSocket string `yaml:"ovs_socket"`
	// SwitchName is the default switch taps belong to.
	SwitchName string `yaml:"switch_name"`
	// CatalogPath is the sqlite resource-catalog file used by the façade.
	CatalogPath string `yaml:"catalog_path"`
	// ListenAddr is the administrative façade bind address.
	ListenAddr string `yaml:"listen_addr"`

	// VendorOUI is the fixed 4-octet prefix of every derived MAC address.
	VendorOUI string `yaml:"vendor_oui"`
	// LinkLocalPrefix is the fixed prefix of derived IPv6 link-local
	// addresses, completed with the hex tap number and a scope name.
	LinkLocalPrefix string `yaml:"link_local_prefix"`

	// TelnetBasePort plus the tap number gives a VM's serial console port.
	TelnetBasePort int `yaml:"telnet_base_port"`
	// SpiceBasePort plus the tap number gives a VM's SPICE display port.
	SpiceBasePort int `yaml:"spice_base_port"`
	// SpiceSecret is the file holding the SPICE session password.
	SpiceSecret string `yaml:"spice_secret"`
}

// Default returns the stock configuration matching a standard hypervisor
// host setup.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		MasterDir:       filepath.Join(home, "masters"),
		OVMFCode:        "/usr/share/OVMF/OVMF_CODE_4M.secboot.fd",
		OVMFVars:        "/usr/share/OVMF/OVMF_VARS_4M.ms.fd",
		OVSSocket:       "/var/run/openvswitch/db.sock",
		SwitchName:      "dsw-host",
		CatalogPath:     filepath.Join(DataDir(), "catalog.db"),
		ListenAddr:      "localhost:30001",
		VendorOUI:       "b8:ad:ca:fe",
		LinkLocalPrefix: "fe80::baad:caff:fefe",
		TelnetBasePort:  2300,
		SpiceBasePort:   5900,
		SpiceSecret:     filepath.Join(home, ".spice", "spice.passwd"),
	}
}

// xdgBase returns the XDG base directory, falling back to the given default
// when the environment variable is unset or empty.
func xdgBase(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// ConfigDir returns the ovslab XDG config directory (~/.config/ovslab).
func ConfigDir() string {
	return filepath.Join(xdgBase("XDG_CONFIG_HOME", ".config"), "ovslab")
}

// DataDir returns the ovslab XDG data directory (~/.local/share/ovslab).
func DataDir() string {
	return filepath.Join(xdgBase("XDG_DATA_HOME", ".local/share"), "ovslab")
}

// DefaultPath returns the config file location honored by every command.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Load reads a config file and overlays it on the defaults. A missing or
// empty file is not an error: the defaults apply unchanged. Unknown keys
// are rejected, so a typo'd setting never falls back silently.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
