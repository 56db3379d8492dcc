package runbook

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a sortable, prefixed identifier such as
// "exec_20261014T101500_1f2e3d4c".
func NewID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return prefix + "_" + time.Now().UTC().Format("20060102T150405") + "_" + suffix
}
