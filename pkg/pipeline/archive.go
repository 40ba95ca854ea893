package pipeline

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// zipDir writes every regular file under src into the archive dst, with
// paths relative to the parent of src so the archive unpacks to one folder.
// The archive is written next to dst and renamed into place.
func zipDir(src, dst string) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*.zip")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	root := filepath.Dir(src)
	count := 0
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		count++
		return nil
	})
	if walkErr != nil {
		zw.Close()
		tmp.Close()
		return 0, walkErr
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return count, os.Rename(tmp.Name(), dst)
}
