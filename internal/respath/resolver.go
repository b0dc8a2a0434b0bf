// Package respath resolves absolute, slash-separated paths into inode
// numbers by walking the directory tree, optionally creating missing
// intermediate directories along the way. It is grounded on
// dargueta-disko/drivers/common/basedriver.CommonDriver's normalizePath
// (path.Clean + filepath.ToSlash) and its depth-bounded walk loop, adapted
// per spec.md §4.5.
package respath

import (
	"path"
	"strings"

	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/dir"
	"github.com/dargueta/exfs2/internal/inode"
	"github.com/dargueta/exfs2/internal/layout"
)

// Resolver walks paths against a volume's inode table, starting from root.
type Resolver struct {
	table    *inode.Table
	root     layout.InodeNum
	maxDepth int
}

// New returns a Resolver rooted at root.
func New(table *inode.Table, root layout.InodeNum) *Resolver {
	return &Resolver{table: table, root: root, maxDepth: layout.DefaultMaxWalkDepth}
}

// Split normalizes path and splits it into its "/"-separated components,
// stripping leading slashes, collapsing a trailing slash, and rejecting any
// component longer than layout.MaxFilenameLen.
func Split(p string) ([]string, error) {
	clean := path.Clean("/" + p)
	trimmed := strings.TrimPrefix(clean, "/")
	if trimmed == "" || trimmed == "." {
		return nil, nil
	}

	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if len(part) > layout.MaxFilenameLen {
			return nil, fserrors.ErrInvalidArgument.WithMessage("path component too long: " + part)
		}
	}
	return parts, nil
}

// Resolve walks path starting from the root directory. If createMissing is
// true, every missing component along the way — including the terminal
// one — is created as a directory as the walk proceeds. Callers that need
// the terminal component left uncreated (e.g. to insert a regular file
// there themselves) should use ResolveParent instead. Path "/" resolves to
// the root inode.
func (r *Resolver) Resolve(p string, createMissing bool) (layout.InodeNum, error) {
	components, err := Split(p)
	if err != nil {
		return 0, err
	}
	if len(components) == 0 {
		return r.root, nil
	}

	current := r.root
	for i, name := range components {
		if i >= r.maxDepth {
			return 0, fserrors.ErrInvalidArgument.WithMessage("path exceeds maximum walk depth")
		}

		next, err := r.step(current, name, createMissing)
		if err != nil {
			return 0, err
		}
		current = next
	}
	return current, nil
}

// ResolveParent splits path into its parent directory and trailing
// component name, resolving the parent (creating missing intermediate
// directories if createMissing is true). It does not require the trailing
// component to exist; callers decide whether its absence is an error.
func (r *Resolver) ResolveParent(p string, createMissing bool) (parent layout.InodeNum, name string, err error) {
	components, err := Split(p)
	if err != nil {
		return 0, "", err
	}
	if len(components) == 0 {
		// "/" has no parent distinct from itself; callers that need a
		// trailing name for "/" should special-case it.
		return r.root, "/", nil
	}

	name = components[len(components)-1]
	parentComponents := components[:len(components)-1]

	current := r.root
	for i, comp := range parentComponents {
		if i >= r.maxDepth {
			return 0, "", fserrors.ErrInvalidArgument.WithMessage("path exceeds maximum walk depth")
		}
		next, err := r.step(current, comp, createMissing)
		if err != nil {
			return 0, "", err
		}
		current = next
	}
	return current, name, nil
}

// step resolves one path component against directory parent, optionally
// creating it as a new directory if missing.
func (r *Resolver) step(parent layout.InodeNum, name string, createMissing bool) (layout.InodeNum, error) {
	parentInode, err := r.table.ReadInode(parent)
	if err != nil {
		return 0, err
	}
	if parentInode.Mode != layout.ModeDirectory {
		return 0, fserrors.ErrNotADirectory.WithMessage(name)
	}

	d := dir.New(r.table, parent)
	child, err := d.Find(name)
	if err == nil {
		return child, nil
	}
	if !isNotFound(err) {
		return 0, err
	}
	if !createMissing {
		return 0, fserrors.ErrNotFound.WithMessage(name)
	}

	newDir, err := r.table.AllocInode(layout.ModeDirectory)
	if err != nil {
		return 0, err
	}
	if err := dir.InitEmpty(r.table, newDir, parent); err != nil {
		return 0, err
	}
	if err := d.Insert(name, newDir); err != nil {
		return 0, err
	}
	return newDir, nil
}

func isNotFound(err error) bool {
	type kinder interface{ Kind() fserrors.Kind }
	k, ok := err.(kinder)
	return ok && k.Kind() == fserrors.ErrNotFound
}
