// Package patch validates unified diffs produced by reasoning providers before
// they are handed to a deployer.
package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrInvalidPatch is returned for patches that are not well-formed unified diffs
// or exceed the configured limits.
var ErrInvalidPatch = errors.New("invalid patch")

// DefaultMaxLines bounds the size of a patch.
const DefaultMaxLines = 2000

// Stats summarizes a parsed patch.
type Stats struct {
	Files   []string `json:"files"`
	Added   int32    `json:"added"`
	Changed int32    `json:"changed"`
	Deleted int32    `json:"deleted"`
}

// Validate parses content as a multi-file unified diff. An empty patch is valid
// and yields zero stats.
func Validate(content string, maxLines int) (Stats, error) {
	if strings.TrimSpace(content) == "" {
		return Stats{}, nil
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if lines := strings.Count(content, "\n"); lines > maxLines {
		return Stats{}, fmt.Errorf("%w: %d lines exceeds limit of %d", ErrInvalidPatch, lines, maxLines)
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(content)).ReadAllFiles()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if len(fileDiffs) == 0 {
		return Stats{}, fmt.Errorf("%w: no file diffs", ErrInvalidPatch)
	}

	var stats Stats
	for _, fd := range fileDiffs {
		name := fileName(fd)
		if name == "" {
			return Stats{}, fmt.Errorf("%w: file diff without a name", ErrInvalidPatch)
		}
		if len(fd.Hunks) == 0 {
			return Stats{}, fmt.Errorf("%w: %s has no hunks", ErrInvalidPatch, name)
		}
		stats.Files = append(stats.Files, name)

		s := fd.Stat()
		stats.Added += s.Added
		stats.Changed += s.Changed
		stats.Deleted += s.Deleted
	}
	return stats, nil
}

func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	return strings.TrimPrefix(name, "b/")
}
