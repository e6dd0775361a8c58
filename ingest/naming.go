package ingest

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"arc-catalog/store"
)

// Directory names look like 20240311_142233_350V_1976mA_experiment_1_2.
var (
	voltageToken = regexp.MustCompile(`^(\d+)V$`)
	currentToken = regexp.MustCompile(`^(\d+(?:\.\d+)?)mA$`)
	dateToken    = regexp.MustCompile(`^\d{8}$`)
)

// ExperimentInfo is what the capture path says about an experiment.
type ExperimentInfo struct {
	Name     string
	LabelDir *string
	Label    string
	Voltage  *float64
	Current  *float64
	Date     *string
}

// ParseExperiment derives label and nominal test levels from an experiment
// directory path. Unrecognized tokens are ignored; when a token kind repeats
// the last one wins.
func ParseExperiment(dir string, labelDirs map[string]string) ExperimentInfo {
	info := ExperimentInfo{
		Name:  filepath.Base(dir),
		Label: store.UnknownLabel,
	}
	if d, ok := findLabelDir(dir, labelDirs); ok {
		info.LabelDir = &d
		info.Label = labelDirs[d]
	}
	for _, tok := range strings.Split(info.Name, "_") {
		switch {
		case voltageToken.MatchString(tok):
			if v, err := strconv.ParseFloat(strings.TrimSuffix(tok, "V"), 64); err == nil {
				info.Voltage = &v
			}
		case currentToken.MatchString(tok):
			if c, err := strconv.ParseFloat(strings.TrimSuffix(tok, "mA"), 64); err == nil {
				info.Current = &c
			}
		case dateToken.MatchString(tok):
			d := tok
			info.Date = &d
		}
	}
	return info
}

// findLabelDir returns the first path segment, from the root down, that is a
// configured label directory.
func findLabelDir(dir string, labelDirs map[string]string) (string, bool) {
	for _, seg := range strings.Split(filepath.ToSlash(filepath.Clean(dir)), "/") {
		if _, ok := labelDirs[seg]; ok && seg != "" {
			return seg, true
		}
	}
	return "", false
}
