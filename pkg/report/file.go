package report

import (
	"context"
	"os"
	"path/filepath"

	"github.com/voidshard/b1k/pkg/structs"
)

// File is a Sink writing one status document per job run into a directory
// shared with remote pull hosts.
type File struct {
	dir string
}

// NewFile returns a File sink writing into dir.
func NewFile(dir string) *File {
	return &File{dir: dir}
}

// Dir is the directory documents (and markers) live in.
func (f *File) Dir() string {
	return f.dir
}

// Path returns where the document for the given job run is written.
func (f *File) Path(r *structs.JobReport) string {
	return filepath.Join(f.dir, DocumentName(r.Name, r.Instance, r.StartTime))
}

// Publish writes the document, replacing it atomically.
func (f *File) Publish(ctx context.Context, r *structs.JobReport) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".b1k-doc-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	cerr := tmp.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path(r))
}

// Close is a no-op.
func (f *File) Close() error {
	return nil
}
