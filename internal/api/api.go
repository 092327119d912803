// Package api exposes the administrative façade over HTTP: listing the
// resource catalog and creating taps, disks, VMs, and cloud-init seeds.
// Handlers own JSON shaping and status mapping only; every side effect
// goes through the engine packages, and the catalog records a resource
// only after its side effect succeeded.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/inetlab/ovslab/internal/catalog"
	"github.com/inetlab/ovslab/internal/config"
	"github.com/inetlab/ovslab/internal/declaration"
	"github.com/inetlab/ovslab/internal/ovs"
	"github.com/inetlab/ovslab/internal/probe"
	"github.com/inetlab/ovslab/internal/provision"
	"github.com/inetlab/ovslab/internal/seed"
)

// Catalog is the store interface the handlers depend on.
type Catalog interface {
	ListResources() ([]catalog.Resource, error)
	AddResource(rtype, name string) (catalog.Resource, error)
	AddTap(t catalog.Tap) (catalog.Tap, error)
	GetTap(tapnum int) (*catalog.Tap, error)
}

// Provisioner runs the VM pipeline.
type Provisioner interface {
	Provision(vm *declaration.VM) error
}

// SeedBuilder synthesizes cloud-init seed images.
type SeedBuilder interface {
	Build(vm *declaration.VM) (string, error)
}

// Prober answers liveness questions about host resources.
type Prober interface {
	TapInUse(tapnum int) (bool, int, error)
	ImageInUse(filename string) (bool, error)
}

// Server groups the façade handlers and their collaborators.
type Server struct {
	SwitchName string
	WorkDir    string

	Catalog  Catalog
	OVS      ovs.Client
	Probes   Prober
	Pipeline Provisioner
	Seeds    SeedBuilder

	run provision.RunFunc
}

// New wires a Server to the real engine against one host configuration.
func New(cfg config.Config, store *catalog.Store, client ovs.Client, workDir string) *Server {
	return &Server{
		SwitchName: cfg.SwitchName,
		WorkDir:    workDir,
		Catalog:    store,
		OVS:        client,
		Probes:     probe.New(),
		Pipeline:   provision.New(cfg, workDir),
		Seeds:      seed.NewBuilder(workDir),
		run:        runCommand,
	}
}

// Routes builds the façade router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/resources", func(r chi.Router) {
		r.Get("/", s.ListResourcesHandler)
		r.Post("/taps", s.CreateTapHandler)
		r.Post("/disks", s.CreateDiskHandler)
		r.Post("/vms", s.CreateVMHandler)
		r.Post("/cloud-init", s.CreateCloudInitHandler)
	})
	return r
}

// statusFor maps engine errors to HTTP statuses: declaration violations
// are the client's fault, liveness conflicts mean the resource is taken,
// and unknown ports or images do not exist.
func statusFor(err error) int {
	var schemaErr *declaration.SchemaError
	var dupErr *declaration.DuplicateTapError
	switch {
	case errors.As(err, &schemaErr) || errors.As(err, &dupErr):
		return http.StatusBadRequest
	case errors.Is(err, provision.ErrAlreadyRunning) || errors.Is(err, provision.ErrTapBusy):
		return http.StatusConflict
	case errors.Is(err, ovs.ErrPortNotFound) || errors.Is(err, provision.ErrImageNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
