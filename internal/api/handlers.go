package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/inetlab/ovslab/internal/catalog"
	"github.com/inetlab/ovslab/internal/declaration"
	"github.com/inetlab/ovslab/internal/identity"
	"github.com/inetlab/ovslab/internal/ovs"
)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// ListResourcesHandler handles GET /resources.
func (s *Server) ListResourcesHandler(w http.ResponseWriter, r *http.Request) {
	resources, err := s.Catalog.ListResources()
	if err != nil {
		http.Error(w, "failed to list resources", http.StatusInternalServerError)
		return
	}
	type resourceResponse struct {
		ID     int64  `json:"id"`
		Type   string `json:"type"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	resp := make([]resourceResponse, len(resources))
	for i, res := range resources {
		resp[i] = resourceResponse{ID: res.ID, Type: res.Type, Name: res.Name, Status: res.Status}
	}
	writeJSON(w, http.StatusOK, resp)
}

type tapRequest struct {
	TapNum int    `json:"tapnum"`
	Mode   string `json:"vlan_mode"`
	Tag    int    `json:"tag,omitempty"`
	Trunks []int  `json:"trunks,omitempty"`
}

// CreateTapHandler handles POST /resources/taps: configure a switch port
// for the tap, then record it.
func (s *Server) CreateTapHandler(w http.ResponseWriter, r *http.Request) {
	var req tapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TapNum < 0 || req.TapNum > declaration.MaxTapNum {
		http.Error(w, fmt.Sprintf("tap index %d out of range [0, %d]", req.TapNum, declaration.MaxTapNum),
			http.StatusBadRequest)
		return
	}

	tapName := identity.TapName(req.TapNum)
	sf := &declaration.SwitchFile{OVS: declaration.OVSSection{Switches: []declaration.Switch{{
		Name: s.SwitchName,
		Ports: []declaration.Port{{
			Name:     tapName,
			Type:     "OVSPort",
			VLANMode: req.Mode,
			Tag:      req.Tag,
			Trunks:   req.Trunks,
		}},
	}}}}
	if err := declaration.ValidateSwitches(sf); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing, err := s.Catalog.GetTap(req.TapNum)
	if err != nil {
		http.Error(w, "failed to query catalog", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, fmt.Sprintf("%s is already recorded in the catalog", tapName),
			http.StatusConflict)
		return
	}

	busy, pid, err := s.Probes.TapInUse(req.TapNum)
	if err != nil {
		http.Error(w, "failed to probe tap", http.StatusInternalServerError)
		return
	}
	if busy {
		http.Error(w, fmt.Sprintf("%s is already in use (PID %d)", tapName, pid), http.StatusConflict)
		return
	}

	if _, err := ovs.SetTap(s.OVS, tapName, req.Mode, req.Tag, req.Trunks); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	t, err := s.Catalog.AddTap(catalog.Tap{
		TapNum: req.TapNum,
		Mode:   req.Mode,
		Tag:    req.Tag,
		Trunks: req.Trunks,
	})
	if err != nil {
		http.Error(w, "failed to record tap", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type diskRequest struct {
	Name string `json:"name"`
	Size string `json:"size"`
}

// CreateDiskHandler handles POST /resources/disks: create the backing
// image when absent, then record it. An existing image that a live VM
// holds open is a conflict, not a create target.
func (s *Server) CreateDiskHandler(w http.ResponseWriter, r *http.Request) {
	var req diskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Size == "" {
		http.Error(w, "disk name and size are required", http.StatusBadRequest)
		return
	}

	filename := req.Name + ".qcow2"
	path := filepath.Join(s.WorkDir, filename)
	if _, err := os.Stat(path); err == nil {
		inUse, err := s.Probes.ImageInUse(filename)
		if err != nil {
			http.Error(w, "failed to probe disk", http.StatusInternalServerError)
			return
		}
		if inUse {
			http.Error(w, fmt.Sprintf("%s is already in use", filename), http.StatusConflict)
			return
		}
	} else {
		out, err := s.run("qemu-img", "create", "-f", "qcow2",
			"-o", "lazy_refcounts=on,extended_l2=on", path, req.Size)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to create disk: %v: %s",
				err, strings.TrimSpace(string(out))), http.StatusInternalServerError)
			return
		}
	}

	res, err := s.Catalog.AddResource(catalog.TypeDisk, filename)
	if err != nil {
		http.Error(w, "failed to record disk", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type vmRequest struct {
	Name        string `json:"vm_name"`
	OS          string `json:"os"`
	MasterImage string `json:"master_image"`
	ForceCopy   bool   `json:"force_copy"`
	Memory      int    `json:"memory"`
	TapNum      *int   `json:"tapnum"`
	TapNumList  []int  `json:"tapnumlist"`
}

// CreateVMHandler handles POST /resources/vms: validate the declaration,
// run the provisioning pipeline, then record the VM.
func (s *Server) CreateVMHandler(w http.ResponseWriter, r *http.Request) {
	var req vmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	vm := declaration.VM{
		Name:        req.Name,
		OS:          declaration.OS(req.OS),
		MasterImage: req.MasterImage,
		ForceCopy:   req.ForceCopy,
		Memory:      req.Memory,
		TapNum:      req.TapNum,
		TapNumList:  req.TapNumList,
	}
	lab := &declaration.Lab{KVM: declaration.KVMSection{VMs: []declaration.VM{vm}}}
	if err := declaration.ValidateLab(lab); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Pipeline.Provision(&vm); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	res, err := s.Catalog.AddResource(catalog.TypeVM, vm.Name)
	if err != nil {
		http.Error(w, "failed to record VM", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type cloudInitRequest struct {
	Name       string             `json:"name"`
	ForceSeed  bool               `json:"force_seed"`
	Hostname   string             `json:"hostname"`
	Users      []userRequest      `json:"users"`
	Packages   []string           `json:"packages"`
	Netplan    map[string]any     `json:"netplan"`
	WriteFiles []writeFileRequest `json:"write_files"`
	RunCmd     []string           `json:"runcmd"`
}

type userRequest struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append"`
}

// CreateCloudInitHandler handles POST /resources/cloud-init: synthesize a
// seed image, then record it.
func (s *Server) CreateCloudInitHandler(w http.ResponseWriter, r *http.Request) {
	var req cloudInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	ci := &declaration.CloudInit{
		ForceSeed: req.ForceSeed,
		Hostname:  req.Hostname,
		Packages:  req.Packages,
		Netplan:   req.Netplan,
		RunCmd:    req.RunCmd,
	}
	for _, u := range req.Users {
		ci.Users = append(ci.Users, declaration.User{
			Name:              u.Name,
			Sudo:              u.Sudo,
			SSHAuthorizedKeys: u.SSHAuthorizedKeys,
		})
	}
	for _, f := range req.WriteFiles {
		ci.WriteFiles = append(ci.WriteFiles, declaration.WriteFile{
			Path:    f.Path,
			Content: f.Content,
			Append:  f.Append,
		})
	}

	vm := declaration.VM{Name: req.Name, CloudInit: ci}
	img, err := s.Seeds.Build(&vm)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	res, err := s.Catalog.AddResource(catalog.TypeCloudInit, filepath.Base(img))
	if err != nil {
		http.Error(w, "failed to record cloud-init seed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
