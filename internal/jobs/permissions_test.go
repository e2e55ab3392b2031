package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openvdm-jobs/internal/models"
)

func TestPermissionsNormalizeCruiseTree(t *testing.T) {
	h := newHarness(t)
	root := h.cruiseDir()
	writeFile(t, filepath.Join(root, "SCS/a.txt"), "x")
	require.NoError(t, os.Chmod(filepath.Join(root, "SCS/a.txt"), 0o600))
	require.NoError(t, os.Chmod(filepath.Join(root, "SCS"), 0o700))

	res := h.jobs.setCruiseDataDirectoryPermissions(context.Background(), h.jobContext(t, models.JobSetCruiseDataDirectoryPermissions))
	require.False(t, res.Failed(), "%+v", res.Parts)
	info, err := os.Stat(filepath.Join(root, "SCS/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, fileMode, info.Mode().Perm())
	info, err = os.Stat(filepath.Join(root, "SCS"))
	require.NoError(t, err)
	assert.Equal(t, dirMode, info.Mode().Perm())
}

func TestPermissionsMissingBaseDirectory(t *testing.T) {
	h := newHarness(t)
	jc := h.jobContext(t, models.JobSetCruiseDataDirectoryPermissions)
	jc.Warehouse.BaseDir = filepath.Join(h.base, "missing")
	res := h.jobs.setCruiseDataDirectoryPermissions(context.Background(), jc)
	assert.Equal(t, "Verify Base Directory exists", res.Final().PartName)
	assert.True(t, res.Failed())
}

func TestNormalizeTreeReportsEveryFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root may change ownership freely")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "b.txt"), "b")

	err := normalizeTree(context.Background(), root, fileOwner{uid: 0, gid: 0})
	require.Error(t, err)
	lines := strings.Split(err.Error(), "\n")
	assert.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, err.Error(), filepath.Join(root, "a.txt"))
	assert.Contains(t, err.Error(), filepath.Join(root, "b.txt"))
}
