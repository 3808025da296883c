// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage is the local filesystem port used by the transfer engine.
// Every write lands under a temporary name in the destination directory and
// is renamed into place, so a failed transfer never leaves a partial file at
// the target path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
)

const tempMarker = ".flowarr-"

// FileInfo describes one listed file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// FS is the filesystem port.
type FS interface {
	SupportsHardlink(src, dst string) bool
	FreeSpace(path string) (int64, error)
	ListFiles(root string, extensions []string) ([]FileInfo, error)
	Stat(path string) (FileInfo, error)
	Link(ctx context.Context, src, dst string) error
	Copy(ctx context.Context, src, dst string) error
	Softlink(ctx context.Context, src, dst string) error
	AtomicMove(ctx context.Context, src, dst string) error
	Remove(path string) error
	RemoveEmptyDirs(dir, stopAt string) error
}

// Local implements FS on the host filesystem.
type Local struct {
	dirMode fs.FileMode
	// wrapWriter decorates the temp file writer during copies.
	wrapWriter func(io.Writer) io.Writer
}

type Option func(*Local)

// WithWriterWrap decorates the destination writer of every copy, e.g. to
// throttle or meter throughput.
func WithWriterWrap(wrap func(io.Writer) io.Writer) Option {
	return func(l *Local) { l.wrapWriter = wrap }
}

func NewLocal(opts ...Option) *Local {
	l := &Local{dirMode: 0o755}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func fsError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindCancelled, op, err)
	}
	return domain.NewError(domain.KindFilesystemFailed, op, err)
}

// IsTemp reports whether name is a transfer temp file left by this package.
func IsTemp(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.Contains(base, tempMarker) && strings.HasSuffix(base, ".tmp")
}

func tempPath(dst string) string {
	return filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+tempMarker+uuid.NewString()[:8]+".tmp")
}

// SupportsHardlink reports whether src and the directory of dst live on the
// same device. dst does not need to exist yet.
func (l *Local) SupportsHardlink(src, dst string) bool {
	ok, err := sameDevice(src, nearestExisting(filepath.Dir(dst)))
	if err != nil {
		log.Debug().Err(err).Str("src", src).Str("dst", dst).Msg("Hardlink attempt failed")
		return false
	}
	return ok
}

func (l *Local) FreeSpace(path string) (int64, error) {
	free, err := freeSpace(nearestExisting(path))
	if err != nil {
		return -1, fsError("free space", err)
	}
	return free, nil
}

func nearestExisting(path string) string {
	path = filepath.Clean(path)
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

// ListFiles returns regular files under root whose extension is in
// extensions (all files when empty), ordered by path. A root that is itself
// a file is returned alone when it matches.
func (l *Local) ListFiles(root string, extensions []string) ([]FileInfo, error) {
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	match := func(name string) bool {
		if IsTemp(name) {
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))]
		return ok
	}

	var out []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if !match(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, FileInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fsError("list files", err)
	}
	slices.SortFunc(out, func(a, b FileInfo) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

func (l *Local) Stat(path string) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, domain.NewError(domain.KindNotFound, "stat", err)
		}
		return FileInfo{}, fsError("stat", err)
	}
	return FileInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (l *Local) prepare(dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), l.dirMode); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	return nil
}

// commit renames tmp onto dst, removing tmp when that fails.
func commit(tmp, dst string) error {
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Link hardlinks src to dst, falling back to a copy across devices.
func (l *Local) Link(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return fsError("link", err)
	}
	if err := l.prepare(dst); err != nil {
		return fsError("link", err)
	}
	tmp := tempPath(dst)
	if err := os.Link(src, tmp); err != nil {
		if isCrossDevice(err) {
			log.Debug().Str("src", src).Str("dst", dst).Msg("Hardlink across devices, copying instead")
			return l.Copy(ctx, src, dst)
		}
		return fsError("link", err)
	}
	if err := commit(tmp, dst); err != nil {
		return fsError("link", err)
	}
	return nil
}

func (l *Local) Softlink(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return fsError("softlink", err)
	}
	if err := l.prepare(dst); err != nil {
		return fsError("softlink", err)
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return fsError("softlink", err)
	}
	tmp := tempPath(dst)
	if err := os.Symlink(abs, tmp); err != nil {
		return fsError("softlink", err)
	}
	if err := commit(tmp, dst); err != nil {
		return fsError("softlink", err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// Copy writes src to a temp file next to dst, syncs it and renames it into place.
func (l *Local) Copy(ctx context.Context, src, dst string) error {
	if err := l.copyFile(ctx, src, dst); err != nil {
		return fsError("copy", err)
	}
	return nil
}

func (l *Local) copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := l.prepare(dst); err != nil {
		return err
	}

	tmp := tempPath(dst)
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	cleanup := func(cause error) error {
		_ = out.Close()
		_ = os.Remove(tmp)
		return cause
	}

	var w io.Writer = out
	if l.wrapWriter != nil {
		w = l.wrapWriter(out)
	}
	if _, err := io.Copy(w, ctxReader{ctx: ctx, r: in}); err != nil {
		return cleanup(err)
	}
	if err := out.Sync(); err != nil {
		return cleanup(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	_ = os.Chtimes(tmp, info.ModTime(), info.ModTime())
	return commit(tmp, dst)
}

// AtomicMove renames src to dst, copying then removing src across devices.
// src is only removed after dst is fully in place.
func (l *Local) AtomicMove(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return fsError("move", err)
	}
	if err := l.prepare(dst); err != nil {
		return fsError("move", err)
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return fsError("move", err)
	}
	if err := l.copyFile(ctx, src, dst); err != nil {
		return fsError("move", err)
	}
	if err := os.Remove(src); err != nil {
		log.Warn().Err(err).Str("src", src).Msg("Moved file but could not remove source")
	}
	return nil
}

func (l *Local) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fsError("remove", err)
	}
	return nil
}

// RemoveEmptyDirs removes dir and its empty parents, stopping at stopAt or
// the first directory that still has entries.
func (l *Local) RemoveEmptyDirs(dir, stopAt string) error {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && strings.HasPrefix(dir, stopAt+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				dir = filepath.Dir(dir)
				continue
			}
			return fsError("remove empty dirs", err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return fsError("remove empty dirs", err)
		}
		log.Debug().Str("dir", dir).Msg("Removed empty directory")
		dir = filepath.Dir(dir)
	}
	return nil
}
