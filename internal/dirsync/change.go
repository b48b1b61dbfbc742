package dirsync

import "context"

// ChangeKind tags a Change
type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
)

// Change is one notification produced by a scan. RelPath is slash separated
// and relative to the source root. Record describes the source entry and is
// zero for Deleted changes.
type Change struct {
	Kind    ChangeKind
	RelPath string
	IsDir   bool
	Record  FileRecord
}

func (c Change) String() string {
	return string(c.Kind) + " " + c.RelPath
}

// Scanner materializes the changes of one pass
type Scanner interface {
	Scan(ctx context.Context) ([]Change, error)
}
