package problems

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectStore is the minimal remote-fetch surface the problem store needs
// to mirror a problem's manifest and test bundles in from a content
// pipeline that publishes them out of band. Adapted from
// batch/objstore/objstore.go's ObjectStore/MinioObjStore, trimmed to the
// read path this package actually exercises.
type ObjectStore interface {
	Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error)
}

var mirroredFiles = []string{"manifest.json", "public_tests.json", "hidden_tests.json"}

// SetMirror enables a remote fallback: when a problem id isn't present in
// the local root, its files are fetched from bucket/<problemID>/<file> and
// written into root before Load proceeds. Problems published locally are
// never re-fetched.
func (s *Store) SetMirror(store ObjectStore, bucket string) {
	s.mirror = store
	s.mirrorBucket = bucket
}

// mirrorFetch copies a problem's files from the remote store into dir,
// skipping files the remote store doesn't have (a problem may ship with
// no hidden tests at all).
func (s *Store) mirrorFetch(ctx context.Context, problemID, dir string) error {
	if s.mirror == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mirror: create %s: %w", dir, err)
	}
	for _, name := range mirroredFiles {
		obj := problemID + "/" + name
		rc, err := s.mirror.Get(ctx, s.mirrorBucket, obj)
		if err != nil {
			if name == "manifest.json" {
				return fmt.Errorf("mirror: fetch %s: %w", obj, err)
			}
			continue
		}
		if err := writeMirroredFile(filepath.Join(dir, name), rc); err != nil {
			return fmt.Errorf("mirror: write %s: %w", name, err)
		}
	}
	return nil
}

func writeMirroredFile(path string, rc io.ReadCloser) error {
	defer rc.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, rc)
	return err
}
