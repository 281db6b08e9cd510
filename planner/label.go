package planner

import "strings"

// MigrationMarker is appended to a backend volume label on migration and
// stripped again on the next one.
const MigrationMarker = "m"

// ToggleMigrationLabel returns the label of a migration target. A label
// ending with the marker loses it, any other label gains it, so applying it
// twice returns the original label.
func ToggleMigrationLabel(label string) string {
	if strings.HasSuffix(label, MigrationMarker) {
		return strings.TrimSuffix(label, MigrationMarker)
	}
	return label + MigrationMarker
}
