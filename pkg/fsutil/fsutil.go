package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Owner is a numeric UID/GID pair applied to files written on disk.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*Owner, error) {
	if owner == "" {
		return nil, nil
	}

	uidPart, gidPart, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(gidPart, ":") {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidPart)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidPart)
	}

	gid, err := strconv.Atoi(gidPart)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidPart)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil. Best-effort, ignores errors.
func Chown(path string, owner *Owner) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates dir and any missing parents below root, handing each
// directory it creates under root to owner.
func MkdirAll(root, dir string, perm os.FileMode, owner *Owner) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s is not below %s", dir, root)
	}

	if err := os.MkdirAll(root, perm); err != nil {
		return err
	}

	current := root

	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}

		current = filepath.Join(current, part)

		if _, err := os.Stat(current); err == nil {
			continue
		}

		if err := os.Mkdir(current, perm); err != nil && !os.IsExist(err) {
			return err
		}

		Chown(current, owner)
	}

	return nil
}
