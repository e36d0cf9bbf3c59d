package source

import (
	"fmt"
	"io"
	"os"
)

// FileOpener reads files from the drop directory. os.Root rejects any name that
// resolves outside the directory, including through symlinks.
type FileOpener struct {
	dir string
}

func NewFileOpener(dir string) *FileOpener {
	return &FileOpener{dir: dir}
}

func (f *FileOpener) Open(name string) (io.ReadCloser, int64, error) {
	root, err := os.OpenRoot(f.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("open drop dir: %w", err)
	}
	defer root.Close()

	file, err := root.Open(name)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("open %s: is a directory", name)
	}
	return file, info.Size(), nil
}

func (f *FileOpener) Stat(name string) (int64, error) {
	root, err := os.OpenRoot(f.dir)
	if err != nil {
		return 0, fmt.Errorf("open drop dir: %w", err)
	}
	defer root.Close()

	info, err := root.Stat(name)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}
	return info.Size(), nil
}
