package blob

import (
	infraFS "modos/internal/infra/blob/fs"
)

// NewFilesystem returns a filesystem blob store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return infraFS.New(root)
}
