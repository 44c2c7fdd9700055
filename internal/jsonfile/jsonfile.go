// Package jsonfile reads and atomically writes small JSON documents that may
// hold secrets.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

var ErrNotFound = errors.New("json file not found")

// filePerm is the mode of every written file. Only the owner may read them.
const filePerm = 0o600

// Write encodes data into a temp file in the same dir as fname, then renames
// the temp file to fname. The dir is created if needed.
//
// log is used to log warnings that are not fatal to the Write() operation.
func Write(fname string, data interface{}, log slog.Logger) error {
	dir := filepath.Dir(fname)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable to create dest dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(fname)+".*")
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	tempFname := f.Name()

	// From this point on, there are no more early returns, so that the
	// temp file is removed in case of errors.
	err = f.Chmod(filePerm)
	if err != nil {
		err = fmt.Errorf("unable to chmod temp file: %w", err)
	}
	if err == nil {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err = enc.Encode(data); err != nil {
			err = fmt.Errorf("unable to encode json contents: %w", err)
		}
	}
	if err == nil {
		if err = f.Sync(); err != nil {
			err = fmt.Errorf("unable to fsync temp file: %w", err)
		}
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("unable to close temp file: %w", closeErr)
	}
	if err == nil {
		if err = os.Rename(tempFname, fname); err != nil {
			err = fmt.Errorf("unable to rename temp file to final file: %w", err)
		}
	}
	if err != nil {
		if remErr := os.Remove(tempFname); log != nil && remErr != nil {
			log.Warnf("Unable to remove temp file %s: %v", tempFname, remErr)
		}
	}
	return err
}

// Read decodes the json document stored in fname.
func Read[T any](fname string) (T, error) {
	var data T
	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return data, ErrNotFound
	} else if err != nil {
		return data, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return data, fmt.Errorf("unable to decode %s: %w", fname, err)
	}
	return data, nil
}

// RemoveIfExists removes the filename if it exists. If it does not exist, this
// doesn't return an error.
func RemoveIfExists(fname string) error {
	err := os.Remove(fname)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
