// Package yaml holds the on-disk rules for agentflow YAML files: crash-safe
// replacement, schema headers and recovery of corrupt collections.
package yaml

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrBadCollection is returned when bytes headed for a collection file would
// not survive the header check on the next read.
var ErrBadCollection = errors.New("not a valid collection document")

// WriteConfig marshals cfg and replaces path with it. Config files carry no
// schema header, so only YAML well-formedness is checked.
func WriteConfig(path string, cfg any) error {
	content, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return replaceFile(path, content, func(b []byte) error {
		var v any
		return yamlv3.Unmarshal(b, &v)
	})
}

// WriteCollection replaces the collection file at path with content. The
// content must carry a schema header for fileType; otherwise the file on disk
// is left alone. The previous version is kept as path.bak for recovery.
func WriteCollection(path string, content []byte, fileType string) error {
	return replaceFile(path, content, func(b []byte) error {
		if err := ValidateSchemaHeaderFromBytes(b, fileType); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCollection, err)
		}
		return nil
	})
}

// replaceFile stages content next to path, runs check against what actually
// reached the disk, snapshots the current file to path.bak and renames the
// staged copy over path. Nothing at path changes unless every step succeeds.
func replaceFile(path string, content []byte, check func([]byte) error) error {
	dir := filepath.Dir(path)
	staged, err := stage(dir, content)
	if err != nil {
		return err
	}
	defer os.Remove(staged)

	onDisk, err := os.ReadFile(staged)
	if err != nil {
		return fmt.Errorf("re-read staged %s: %w", filepath.Base(path), err)
	}
	if err := check(onDisk); err != nil {
		return fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}

	if err := snapshot(path, path+".bak"); err != nil {
		return fmt.Errorf("backup %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("rename into %s: %w", filepath.Base(path), err)
	}
	syncDir(dir)
	return nil
}

// stage writes content to a fresh temp file in dir and returns its name.
func stage(dir string, content []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".agentflow-tmp-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	_, werr := f.Write(content)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", werr)
	}
	return name, nil
}

// snapshot copies src to dst. A missing src is not an error: the first write
// of a collection has nothing to back up.
func snapshot(src, dst string) error {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// syncDir persists the rename. Some filesystems refuse fsync on directories;
// the rename already happened, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
