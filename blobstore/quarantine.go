package blobstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Quarantine moves the blob for id into dir and returns its new path. An
// existing file of the same name in dir is kept; the moved blob gets a
// timestamp suffix instead.
func (s *Store) Quarantine(id int64, dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", ErrInvalid.New("quarantine dir is empty")
	}
	src := s.Path(id)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound.New("%s", Name(id))
	}
	dst, err := moveFileToDir(src, dir)
	if err != nil {
		return "", ErrIO.Wrap(err)
	}
	return dst, nil
}

func moveFileToDir(srcPath string, dstDir string) (string, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(srcPath)
	dstPath := filepath.Join(dstDir, base)
	if _, err := os.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		name := strings.TrimSuffix(base, ext)
		dstPath = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", name, time.Now().UnixNano(), ext))
	}

	if err := os.Rename(srcPath, dstPath); err == nil {
		return dstPath, nil
	}

	// Cross-device: copy then remove.
	in, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(out, in)
	if copyErr == nil {
		copyErr = out.Sync()
	}
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		return "", errs.Combine(copyErr, closeErr, os.Remove(dstPath))
	}
	if err := os.Remove(srcPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

// CleanTmp removes temp files left behind by interrupted writes. It must not
// run concurrently with Save.
func (s *Store) CleanTmp() (int, error) {
	dir := filepath.Join(s.root, tmpDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, ErrIO.Wrap(err)
	}
	var (
		group   errs.Group
		removed int
	)
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			group.Add(err)
			continue
		}
		removed++
	}
	return removed, ErrIO.Wrap(group.Err())
}
