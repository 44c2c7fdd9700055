// Package lockfile guards a session state dir against concurrent use by more
// than one process.
package lockfile

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// Owner identifies the process that holds a lock file.
type Owner struct {
	PID     int
	Host    string
	Process string
}

// LockFile holds the lockfile.
type LockFile struct {
	path string
	f    *lockedfile.File
}

// Path returns the path of the lock file.
func (lf *LockFile) Path() string {
	return lf.path
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return fmt.Errorf("nil internal locked file")
	}
	return lf.f.Close()
}

// Create blocks until the lock file at filePath is acquired or ctx is done.
// The owner of the lock is recorded in the file.
func Create(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, err
	}
	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(filePath)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		// Errors writing the owner are not fatal.
		host, _ := os.Hostname()
		procName := ""
		if len(os.Args) > 0 {
			procName = os.Args[0]
		}
		fmt.Fprintf(f, "PID=%d\nHost=%q\nProcess=%q\n", os.Getpid(), host, procName)
		return &LockFile{path: filePath, f: f}, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The file may still (eventually) open, so make sure it is
		// closed if it ever does.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ReadOwner returns the owner recorded in the lock file at filePath. The
// file is read without acquiring the lock.
func ReadOwner(filePath string) (Owner, error) {
	var o Owner
	f, err := os.Open(filePath)
	if err != nil {
		return o, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), "=")
		if !ok {
			continue
		}
		switch k {
		case "PID":
			o.PID, _ = strconv.Atoi(v)
		case "Host":
			o.Host, _ = strconv.Unquote(v)
		case "Process":
			o.Process, _ = strconv.Unquote(v)
		}
	}
	return o, s.Err()
}
