package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ManifestName is the lock manifest kept next to a config file. Several
// config files in one directory (e.g. /etc/codexflow) share it.
const ManifestName = ".checksums"

const manifestVersion = 1

// Manifest maps config file basenames to their locked BLAKE3 digests.
type Manifest struct {
	Version  int               `yaml:"version"`
	LockedAt string            `yaml:"generated_at"`
	Hashes   map[string]string `yaml:"hashes"`
}

// LockReport describes what `codexflow config lock` did for one file.
type LockReport struct {
	Path         string
	ManifestPath string
	Hash         string
	// Previous is the digest the manifest held before; empty if the file
	// was not locked.
	Previous string
	Written  bool
}

// Changed reports whether the lock moved to a new digest.
func (r *LockReport) Changed() bool { return r.Previous != r.Hash }

// LockFile records the digest of the config file at path in the
// directory's manifest, keeping entries for sibling files. With dryRun the
// digest is computed and nothing is written.
func LockFile(path string, dryRun bool) (*LockReport, error) {
	hash, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	dir, name := filepath.Split(path)
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = &Manifest{Hashes: make(map[string]string)}
	}

	report := &LockReport{
		Path:         path,
		ManifestPath: filepath.Join(dir, ManifestName),
		Hash:         hash,
		Previous:     manifest.Hashes[name],
	}
	if dryRun {
		return report, nil
	}

	manifest.Version = manifestVersion
	manifest.LockedAt = time.Now().UTC().Format(time.RFC3339)
	manifest.Hashes[name] = hash

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ManifestName, err)
	}
	if err := os.WriteFile(report.ManifestPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", report.ManifestPath, err)
	}
	report.Written = true
	return report, nil
}

// ReadManifest loads dir's manifest. A missing manifest returns nil, nil:
// the directory is simply unlocked.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", path, m.Version)
	}
	if m.Hashes == nil {
		m.Hashes = make(map[string]string)
	}
	return &m, nil
}

// VerifyLock checks path against its directory's manifest. Unlocked
// directories pass; a locked directory must list the file with a matching
// digest.
func VerifyLock(path string) error {
	manifest, err := ReadManifest(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("config verification failed for %s: %w", path, err)
	}
	if manifest == nil {
		return nil
	}

	name := filepath.Base(path)
	want, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config verification failed for %s: not listed in %s\n"+
			"Run: codexflow config lock --config %s", path, ManifestName, path)
	}
	got, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("config verification failed for %s: %w", path, err)
	}
	if got != want {
		return fmt.Errorf("config verification failed for %s: hash mismatch (locked %.12s, now %.12s)\n"+
			"If you edited this file intentionally, run: codexflow config lock --config %s", path, want, got, path)
	}
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
