// Package catalog persists the inventory of resources the façade has
// provisioned: taps, disks, VMs, cloud-init seeds, and images. The
// catalog records what exists; it never performs the side effects itself.
// Callers insert a row only after the external operation succeeded, so
// the catalog can not claim a resource that was never created.
package catalog

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Resource types known to the catalog.
const (
	TypeTap       = "TAP"
	TypeDisk      = "DISK"
	TypeVM        = "VM"
	TypeCloudInit = "CLOUD-INIT"
	TypeImage     = "IMAGE"
)

// Resource statuses.
const (
	StatusAvailable = "AVAILABLE"
	StatusCreating  = "CREATING"
)

// Resource is one catalog entry.
type Resource struct {
	ID     int64
	Type   string
	Name   string
	Status string
}

// Tap is the catalog entry of a configured tap interface.
type Tap struct {
	ID     int64
	TapNum int
	Name   string
	Status string
	Mode   string
	Tag    int
	Trunks []int
}

// Store is a sqlite-backed catalog.
type Store struct {
	DB *sql.DB
}

// Open creates a Store on the given database file and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL
	);`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS taps (
		resource_id INTEGER PRIMARY KEY,
		tapnum INTEGER NOT NULL UNIQUE,
		mode TEXT NOT NULL,
		tag INTEGER NOT NULL,
		trunks TEXT NOT NULL,
		FOREIGN KEY(resource_id) REFERENCES resources(id)
	);`)
	return err
}

// AddResource records one non-tap resource as AVAILABLE.
func (s *Store) AddResource(rtype, name string) (Resource, error) {
	if rtype == "" || name == "" {
		return Resource{}, fmt.Errorf("resource type and name are required")
	}
	res, err := s.DB.Exec("INSERT INTO resources (type, name, status) VALUES (?, ?, ?)",
		rtype, name, StatusAvailable)
	if err != nil {
		return Resource{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Resource{}, err
	}
	return Resource{ID: id, Type: rtype, Name: name, Status: StatusAvailable}, nil
}

// AddTap records one configured tap as AVAILABLE. The resource row and
// the tap row land in the same transaction.
func (s *Store) AddTap(t Tap) (Tap, error) {
	if t.Mode != "access" && t.Mode != "trunk" {
		return Tap{}, fmt.Errorf("tap mode %q is not supported", t.Mode)
	}
	t.Name = fmt.Sprintf("tap%d", t.TapNum)
	t.Status = StatusAvailable

	tx, err := s.DB.Begin()
	if err != nil {
		return Tap{}, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO resources (type, name, status) VALUES (?, ?, ?)",
		TypeTap, t.Name, t.Status)
	if err != nil {
		return Tap{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Tap{}, err
	}
	t.ID = id

	_, err = tx.Exec("INSERT INTO taps (resource_id, tapnum, mode, tag, trunks) VALUES (?, ?, ?, ?, ?)",
		t.ID, t.TapNum, t.Mode, t.Tag, encodeTrunks(t.Trunks))
	if err != nil {
		return Tap{}, err
	}
	if err := tx.Commit(); err != nil {
		return Tap{}, err
	}
	return t, nil
}

// ListResources returns every catalog entry ordered by id.
func (s *Store) ListResources() ([]Resource, error) {
	rows, err := s.DB.Query("SELECT id, type, name, status FROM resources ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.Type, &r.Name, &r.Status); err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// GetTap retrieves the tap with the given tap number, nil when absent.
func (s *Store) GetTap(tapnum int) (*Tap, error) {
	var t Tap
	var trunks string
	err := s.DB.QueryRow(`SELECT r.id, r.name, r.status, t.tapnum, t.mode, t.tag, t.trunks
		FROM resources r JOIN taps t ON t.resource_id = r.id
		WHERE t.tapnum = ?`, tapnum).
		Scan(&t.ID, &t.Name, &t.Status, &t.TapNum, &t.Mode, &t.Tag, &trunks)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.Trunks, err = decodeTrunks(trunks)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeTrunks(trunks []int) string {
	parts := make([]string, len(trunks))
	for i, t := range trunks {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, ",")
}

func decodeTrunks(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	trunks := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("decode trunk list %q: %w", s, err)
		}
		trunks[i] = n
	}
	return trunks, nil
}
