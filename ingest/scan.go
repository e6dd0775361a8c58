package ingest

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Experiment is a capture directory holding one file per channel.
type Experiment struct {
	Dir string
	// Ch1 is the load voltage capture.
	Ch1 string
	// Ch4 is the source current capture.
	Ch4 string
}

// Incomplete is a directory with channel captures that do not pair up, or
// one that could not be read.
type Incomplete struct {
	Dir    string
	Ch1    []string
	Ch4    []string
	Reason string
}

var captureExts = []string{".npy", ".npz", ".mat"}

func channelOf(name string) (int, bool) {
	lower := strings.ToLower(name)
	ext := filepath.Ext(lower)
	ok := false
	for _, e := range captureExts {
		if ext == e {
			ok = true
			break
		}
	}
	if !ok {
		return 0, false
	}
	stem := strings.TrimSuffix(lower, ext)
	switch {
	case strings.HasSuffix(stem, "_ch1"):
		return 1, true
	case strings.HasSuffix(stem, "_ch4"):
		return 4, true
	default:
		return 0, false
	}
}

// Scan walks root and groups channel captures by directory. Directories
// without any channel capture are skipped. A subdirectory that cannot be read
// is reported as Incomplete; only an unreadable root fails the scan. Results
// are sorted by directory.
func Scan(root string) ([]Experiment, []Incomplete, error) {
	return scanFS(os.DirFS(root), root)
}

// scanFS walks fsys and reports directories joined onto root.
func scanFS(fsys fs.FS, root string) ([]Experiment, []Incomplete, error) {
	type group struct{ ch1, ch4 []string }
	groups := make(map[string]*group)
	var unreadable []Incomplete
	local := func(p string) string { return filepath.Join(root, filepath.FromSlash(p)) }

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == "." {
				return err
			}
			unreadable = append(unreadable, Incomplete{Dir: local(p), Reason: err.Error()})
			if d == nil || d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ch, ok := channelOf(d.Name())
		if !ok {
			return nil
		}
		dir := local(path.Dir(p))
		g := groups[dir]
		if g == nil {
			g = &group{}
			groups[dir] = g
		}
		if ch == 1 {
			g.ch1 = append(g.ch1, local(p))
		} else {
			g.ch4 = append(g.ch4, local(p))
		}
		return nil
	})
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}

	dirs := make([]string, 0, len(groups))
	for dir := range groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var (
		exps       []Experiment
		incomplete []Incomplete
	)
	for _, dir := range dirs {
		g := groups[dir]
		if len(g.ch1) == 1 && len(g.ch4) == 1 {
			exps = append(exps, Experiment{Dir: dir, Ch1: g.ch1[0], Ch4: g.ch4[0]})
			continue
		}
		reason := "ambiguous channel captures"
		switch {
		case len(g.ch1) == 0:
			reason = "missing ch1 capture"
		case len(g.ch4) == 0:
			reason = "missing ch4 capture"
		}
		incomplete = append(incomplete, Incomplete{Dir: dir, Ch1: g.ch1, Ch4: g.ch4, Reason: reason})
	}
	incomplete = append(incomplete, unreadable...)
	sort.SliceStable(incomplete, func(i, j int) bool { return incomplete[i].Dir < incomplete[j].Dir })
	return exps, incomplete, nil
}
