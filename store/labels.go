package store

import "strings"

// UnknownLabel is assigned when ingestion cannot derive a label.
const UnknownLabel = "unknown"

// Labels lists the classification labels in key order.
var Labels = []string{
	"other",
	"arc",
	"weak_arc",
	"restriking_arc",
	"parallel_motor_arc",
	"negative_transient",
	"steady_state",
	"restriking_arc_parallel_motor",
	"parallel_motor_continuous",
}

// augmentationSchemes gives the ordered segment sequence each label is
// expected to contain.
var augmentationSchemes = map[string][]string{
	"arc":                           {"no_arc_steady_state", "arc_transient", "continuous_arc"},
	"weak_arc":                      {"no_arc_steady_state", "weak_arc_transient", "continuous_arc"},
	"restriking_arc":                {"no_arc_steady_state", "arc_transient", "arc_restrike", "arc_transient", "continuous_arc"},
	"parallel_motor_arc":            {"no_arc_steady_state", "arc_transient", "continuous_arc"},
	"negative_transient":            {"no_arc_steady_state", "negative_transient", "no_arc_steady_state"},
	"steady_state":                  {"steady_state"},
	"restriking_arc_parallel_motor": {"motor_steady_state", "arc_transient", "arc_restrike", "arc_transient", "continuous_arc"},
	"parallel_motor_continuous":     {"motor_steady_state", "continuous_arc"},
	"other":                         {"unknown"},
}

// NormalizeLabel maps a numeric key ("0".."8") or a label name to its
// canonical label. ok is false when v names no label.
//   - 0 -> other
//   - 1..8 -> Labels[1..8]
//   - unknown is accepted as the ingestion default
func NormalizeLabel(v string) (label string, ok bool) {
	s := strings.ToLower(strings.TrimSpace(v))
	if len(s) == 1 && s[0] >= '0' && s[0] <= '8' {
		return Labels[s[0]-'0'], true
	}
	if s == UnknownLabel {
		return s, true
	}
	for _, l := range Labels {
		if s == l {
			return l, true
		}
	}
	return "", false
}

// AugmentationScheme returns the segment sequence for label, or ["unknown"].
func AugmentationScheme(label string) []string {
	if s, ok := augmentationSchemes[label]; ok {
		return append([]string(nil), s...)
	}
	return []string{UnknownLabel}
}
