package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"openvdm-jobs/internal/models"
	"openvdm-jobs/internal/worker"
)

const (
	dirMode  fs.FileMode = 0o755
	fileMode fs.FileMode = 0o644
)

type fileOwner struct {
	uid, gid int
}

func lookupOwner(username string) (fileOwner, error) {
	if username == "" {
		return fileOwner{}, errors.New("data warehouse username is not set")
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fileOwner{}, fmt.Errorf("lookup user %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fileOwner{}, fmt.Errorf("uid of %s: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fileOwner{}, fmt.Errorf("gid of %s: %w", username, err)
	}
	return fileOwner{uid: uid, gid: gid}, nil
}

func (o fileOwner) apply(path string, isDir bool) error {
	var errs []error
	if err := os.Lchown(path, o.uid, o.gid); err != nil {
		errs = append(errs, fmt.Errorf("unable to set ownership of %s: %w", path, err))
	}
	mode := fileMode
	if isDir {
		mode = dirMode
	}
	if err := os.Chmod(path, mode); err != nil {
		errs = append(errs, fmt.Errorf("unable to set permissions of %s: %w", path, err))
	}
	return errors.Join(errs...)
}

// normalizeTree sets ownership and permissions across root. It visits every
// entry and reports all failures together, one per line.
func normalizeTree(ctx context.Context, root string, owner fileOwner) error {
	var errs []error
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			errs = append(errs, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if err := os.Lchown(path, owner.uid, owner.gid); err != nil {
				errs = append(errs, fmt.Errorf("unable to set ownership of %s: %w", path, err))
			}
			return nil
		}
		if err := owner.apply(path, d.IsDir()); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// normalizePath applies warehouse ownership to a single artifact, best effort.
func normalizePath(jc *worker.JobContext, path string) {
	owner, err := lookupOwner(jc.Warehouse.Username)
	if err == nil {
		err = owner.apply(path, false)
	}
	if err != nil {
		jc.Log.WithError(err).WithField("path", path).Warn("unable to normalize ownership")
	}
}

// setCruiseDataDirectoryPermissions locks down the warehouse base directory
// and, when the cruise exists, normalizes its whole tree to the warehouse user.
func (j *Jobs) setCruiseDataDirectoryPermissions(ctx context.Context, jc *worker.JobContext) models.JobResult {
	var res models.JobResult
	base := jc.Warehouse.BaseDir
	if !isDir(base) {
		res.Fail("Verify Base Directory exists", fmt.Sprintf("Unable to find base directory: %s", base))
		return res
	}
	if err := os.Chmod(base, dirMode); err != nil {
		res.Fail("Lockdown base directory", err.Error())
		return res
	}
	res.Pass("Lockdown base directory")

	target := jc.CruiseDir()
	if jc.Payload.LoweringID != "" {
		target = jc.LoweringDir()
	}
	if jc.CruiseID == "" || !isDir(target) {
		return res
	}
	owner, err := lookupOwner(jc.Warehouse.Username)
	if err != nil {
		res.Fail("Set file/directory ownership/permissions", err.Error())
		return res
	}
	if err := normalizeTree(ctx, target, owner); err != nil {
		res.Fail("Set file/directory ownership/permissions", err.Error())
		return res
	}
	res.Pass("Set file/directory ownership/permissions")
	return res
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
