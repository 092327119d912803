package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndListResources(t *testing.T) {
	s := openStore(t)

	disk, err := s.AddResource(TypeDisk, "data.qcow2")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, disk.Status)

	vm, err := s.AddResource(TypeVM, "web")
	require.NoError(t, err)
	assert.Greater(t, vm.ID, disk.ID)

	resources, err := s.ListResources()
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, TypeDisk, resources[0].Type)
	assert.Equal(t, "web", resources[1].Name)
}

func TestAddResourceRequiresTypeAndName(t *testing.T) {
	s := openStore(t)

	_, err := s.AddResource("", "data.qcow2")
	assert.Error(t, err)
	_, err = s.AddResource(TypeDisk, "")
	assert.Error(t, err)
}

func TestAddTapRoundTrip(t *testing.T) {
	s := openStore(t)

	created, err := s.AddTap(Tap{TapNum: 5, Mode: "trunk", Trunks: []int{10, 20}})
	require.NoError(t, err)
	assert.Equal(t, "tap5", created.Name)
	assert.Equal(t, StatusAvailable, created.Status)

	got, err := s.GetTap(5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "trunk", got.Mode)
	assert.Equal(t, []int{10, 20}, got.Trunks)

	resources, err := s.ListResources()
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, TypeTap, resources[0].Type)
}

func TestAddTapAccessMode(t *testing.T) {
	s := openStore(t)

	_, err := s.AddTap(Tap{TapNum: 7, Mode: "access", Tag: 30})
	require.NoError(t, err)

	got, err := s.GetTap(7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 30, got.Tag)
	assert.Nil(t, got.Trunks)
}

func TestAddTapRejectsUnknownMode(t *testing.T) {
	s := openStore(t)

	_, err := s.AddTap(Tap{TapNum: 5, Mode: "hybrid"})
	assert.Error(t, err)

	resources, err := s.ListResources()
	require.NoError(t, err)
	assert.Empty(t, resources, "a rejected tap must leave no resource row")
}

func TestAddTapDuplicateNumberFails(t *testing.T) {
	s := openStore(t)

	_, err := s.AddTap(Tap{TapNum: 5, Mode: "access", Tag: 1})
	require.NoError(t, err)

	_, err = s.AddTap(Tap{TapNum: 5, Mode: "access", Tag: 2})
	assert.Error(t, err, "tap numbers are unique in the catalog")

	resources, err := s.ListResources()
	require.NoError(t, err)
	assert.Len(t, resources, 1, "the failed insert must not leave a resource row")
}

func TestGetTapAbsent(t *testing.T) {
	s := openStore(t)

	got, err := s.GetTap(9)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTrunkEncoding(t *testing.T) {
	assert.Equal(t, "", encodeTrunks(nil))
	assert.Equal(t, "10,20", encodeTrunks([]int{10, 20}))

	trunks, err := decodeTrunks("10,20")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20}, trunks)

	trunks, err = decodeTrunks("")
	require.NoError(t, err)
	assert.Nil(t, trunks)

	_, err = decodeTrunks("10,oops")
	assert.Error(t, err)
}
