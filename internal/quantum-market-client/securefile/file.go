// Package securefile holds the on-disk conventions shared by the client's
// small JSON stores: where they live per user and environment, and how they
// are replaced without ever leaving a half-written file behind.
package securefile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const envVar = "QM_ENV"

// AtomicWriteFile replaces path with data. The bytes go to a uniquely named
// sibling first, so concurrent writers never share a temp file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create tmp")
	}
	name := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(errors.Wrap(err, "write tmp"))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(errors.Wrap(err, "sync tmp"))
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(errors.Wrap(err, "chmod tmp"))
	}
	if err := tmp.Close(); err != nil {
		return cleanup(errors.Wrap(err, "close tmp"))
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return errors.Wrap(err, "rename")
	}
	return nil
}

// WriteJSON writes v indented, creating the parent directory with permDir.
func WriteJSON[T any](path string, v T, permFile, permDir os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, permDir); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}
	return AtomicWriteFile(path, b, permFile)
}

func ReadJSON[T any](path string) (T, error) {
	var out T
	b, err := os.ReadFile(path)
	if err != nil {
		return out, errors.Wrap(err, "read file")
	}
	if err := json.Unmarshal(b, &out); err != nil {
		var zero T
		return zero, errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	return out, nil
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ConfigPathCandidates lists where app keeps filename, most preferred first.
// QM_ENV selects a local/ or develop/ subfolder.
func ConfigPathCandidates(app, filename string) ([]string, error) {
	if app == "" {
		return nil, errors.New("app must not be empty")
	}
	if filename == "" {
		return nil, errors.New("filename must not be empty")
	}
	envFolder, err := EnvFolder()
	if err != nil {
		return nil, err
	}

	var bases []string
	// snap installs see a confined HOME
	for _, home := range []string{os.Getenv("SNAP_REAL_HOME"), os.Getenv("HOME")} {
		if home != "" {
			bases = append(bases, filepath.Join(home, ".config", app))
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		bases = append(bases, filepath.Join(dir, app))
	} else if len(bases) == 0 {
		return nil, errors.Wrap(err, "UserConfigDir")
	}

	seen := make(map[string]bool, len(bases))
	paths := make([]string, 0, len(bases))
	for _, base := range bases {
		p := filepath.Join(base, envFolder, filename)
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// ResolvePath returns the first candidate that exists, else the most
// preferred one so a first write lands there.
func ResolvePath(app, filename string) (string, error) {
	cands, err := ConfigPathCandidates(app, filename)
	if err != nil {
		return "", err
	}
	for _, p := range cands {
		if Exists(p) {
			return p, nil
		}
	}
	return cands[0], nil
}

// EnvFolder maps QM_ENV onto the config subfolder; production uses none.
func EnvFolder() (string, error) {
	raw := strings.TrimSpace(os.Getenv(envVar))
	switch strings.ToLower(raw) {
	case "", "prod", "production":
		return "", nil
	case "local":
		return "local", nil
	case "dev", "develop", "development":
		return "develop", nil
	default:
		return "", errors.Newf("invalid %s %q (allowed: local, develop, empty)", envVar, raw)
	}
}
