package snapshot

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff returns a unified diff between two rendered snapshots, or "" when
// they are identical.
func Diff(prev, next string, prevID, nextID int) (string, error) {
	if prev == next {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(prev + "\n"),
		B:        difflib.SplitLines(next + "\n"),
		FromFile: fmt.Sprintf("snapshot %d", prevID),
		ToFile:   fmt.Sprintf("snapshot %d", nextID),
		Context:  1,
	})
}
