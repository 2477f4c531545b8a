package parser

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/rezkam/calsync/internal/domain"
)

const taskIDPrefix = "obsidian-"

// DeriveTaskID computes the stable task identifier. A block anchor pins the
// identity to (path, anchor) so the task survives edits to its text; without
// one the identity follows the content tuple, so a text-identical move
// within the same file keeps the ID.
func DeriveTaskID(task domain.Task) string {
	var basis string
	if task.BlockAnchor != "" {
		basis = task.SourcePath + ":" + task.BlockAnchor
	} else {
		basis = fmt.Sprintf("%s:%s:%s:%s:%s-%s",
			task.SourcePath, task.Summary, task.StartDate, task.DueDate,
			task.TimeWindowStart, task.TimeWindowEnd)
	}

	sum := sha1.Sum([]byte(basis))
	return taskIDPrefix + hex.EncodeToString(sum[:8])
}
