// Package storage resolves logical file names to physical locations and
// performs the physical writes, reads and listings behind them.
package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chanscrape/chanscrape/pkg/lfn"
)

// Resolver maps LFNs to PFNs for one backend configuration and back.
type Resolver interface {
	Protocol() lfn.Protocol
	LFNToPFN(l lfn.LFN) (string, error)
	PFNToLFN(pfn string) (lfn.LFN, error)
}

// Gateway is a Resolver that can also move bytes.
type Gateway interface {
	Resolver
	// Save stores the file at localPath under l and returns its PFN.
	Save(ctx context.Context, l lfn.LFN, localPath string) (string, error)
	// Retrieve copies the artifact named by l to destPath.
	Retrieve(ctx context.Context, l lfn.LFN, destPath string) error
	// List returns every artifact the backend holds that parses as an LFN.
	List(ctx context.Context) ([]lfn.LFN, error)
}

// objectKey is the backend-relative layout shared by every protocol:
// tracer_id/source/job_id/relative_path.
func objectKey(l lfn.LFN) string {
	return path.Join(l.TracerID(), string(l.Source()), strconv.FormatInt(l.JobID(), 10), l.RelativePath())
}

func parseKey(protocol lfn.Protocol, pfn, key string) (lfn.LFN, error) {
	parts := strings.SplitN(key, "/", 4)
	if len(parts) != 4 {
		return lfn.LFN{}, fmt.Errorf("%w: %q has too few segments", ErrMalformedPFN, pfn)
	}
	jobID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return lfn.LFN{}, fmt.Errorf("%w: %q has non-numeric job id", ErrMalformedPFN, pfn)
	}
	l, err := lfn.FromParts(protocol, parts[0], jobID, lfn.Source(parts[1]), parts[3])
	if err != nil {
		return lfn.LFN{}, fmt.Errorf("%w: %v", ErrMalformedPFN, err)
	}
	return l, nil
}

// LocalStorage implements Gateway using the local filesystem.
// PFNs look like local://<data_dir>/<tracer_id>/<source>/<job_id>/<relative_path>.
type LocalStorage struct {
	BaseDir string
}

// NewLocalStorage creates a LocalStorage rooted at the given directory.
func NewLocalStorage(baseDir string) *LocalStorage {
	return &LocalStorage{BaseDir: baseDir}
}

func (s *LocalStorage) Protocol() lfn.Protocol { return lfn.ProtocolLocal }

func (s *LocalStorage) root() string {
	return path.Clean(filepath.ToSlash(s.BaseDir))
}

// FileName returns the filesystem path an LFN resolves to.
func (s *LocalStorage) FileName(l lfn.LFN) (string, error) {
	if l.Protocol() != lfn.ProtocolLocal {
		return "", fmt.Errorf("%w: local storage cannot serve %q", ErrUnsupportedProtocol, l.Protocol())
	}
	return filepath.Join(s.BaseDir, filepath.FromSlash(objectKey(l))), nil
}

func (s *LocalStorage) LFNToPFN(l lfn.LFN) (string, error) {
	if l.Protocol() != lfn.ProtocolLocal {
		return "", fmt.Errorf("%w: local storage cannot serve %q", ErrUnsupportedProtocol, l.Protocol())
	}
	return string(lfn.ProtocolLocal) + "://" + path.Join(s.root(), objectKey(l)), nil
}

func (s *LocalStorage) PFNToLFN(pfn string) (lfn.LFN, error) {
	prefix := string(lfn.ProtocolLocal) + "://"
	switch root := s.root(); root {
	case ".":
	case "/":
		prefix += "/"
	default:
		prefix += root + "/"
	}
	if !strings.HasPrefix(pfn, prefix) {
		return lfn.LFN{}, fmt.Errorf("%w: %q is not under %s", ErrMalformedPFN, pfn, prefix)
	}
	return parseKey(lfn.ProtocolLocal, pfn, strings.TrimPrefix(pfn, prefix))
}

// Save copies localPath to the resolved location, creating parent directories.
func (s *LocalStorage) Save(ctx context.Context, l lfn.LFN, localPath string) (string, error) {
	pfn, err := s.LFNToPFN(l)
	if err != nil {
		return "", err
	}
	dest, err := s.FileName(l)
	if err != nil {
		return "", err
	}
	if err := copyFile(localPath, dest); err != nil {
		return "", writeFailed(pfn, err)
	}
	return pfn, nil
}

func (s *LocalStorage) Retrieve(ctx context.Context, l lfn.LFN, destPath string) error {
	src, err := s.FileName(l)
	if err != nil {
		return err
	}
	if err := copyFile(src, destPath); err != nil {
		return fmt.Errorf("retrieve %s: %w", objectKey(l), err)
	}
	return nil
}

func (s *LocalStorage) List(ctx context.Context) ([]lfn.LFN, error) {
	var out []lfn.LFN
	err := filepath.WalkDir(s.BaseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}
		rel, err := filepath.Rel(s.BaseDir, p)
		if err != nil {
			return err
		}
		if l, err := parseKey(lfn.ProtocolLocal, p, filepath.ToSlash(rel)); err == nil {
			out = append(out, l)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list %s: %w", s.BaseDir, err)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	return out.Close()
}
