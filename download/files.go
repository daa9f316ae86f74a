package download

import (
	"os"
	"path/filepath"
)

// deleteFiles removes what Stop was asked to remove once the storage is closed.
func (d *Download) deleteFiles(removeTorrent, removeData, forRemoval bool) {
	if removeData {
		d.deleteData(func(string, int64, int64) bool { return true })
	} else if forRemoval && d.registry.config.DeletePartialOnRemoval {
		d.deleteData(func(_ string, length, downloaded int64) bool {
			return downloaded > 0 && downloaded < length
		})
	}
	if removeTorrent {
		if err := d.registry.store.Delete(d.hash); err != nil {
			d.log.Errorf("cannot delete state: %s", err)
		}
	}
}

// deleteData removes the files for which match returns true.
func (d *Download) deleteData(match func(path string, length, downloaded int64) bool) {
	root := d.contentRoot()
	if root == "" {
		return
	}
	for _, f := range d.files.Files() {
		if !match(f.Path(), f.Length(), f.Downloaded()) {
			continue
		}
		p := d.filePath(f.Path())
		err := os.Remove(p)
		if err != nil && !os.IsNotExist(err) {
			d.log.Errorf("cannot delete %s: %s", p, err)
		}
	}
	d.removeEmptyDirs()
}

// contentRoot returns the file of single-file content or the top
// directory of multi-file content.
func (d *Download) contentRoot() string {
	dir := d.SaveDir()
	if dir == "" || d.meta.Name == "" {
		return ""
	}
	return filepath.Join(dir, d.meta.Name)
}

func (d *Download) filePath(p string) string {
	if len(d.meta.Files) == 1 {
		return filepath.Join(d.SaveDir(), p)
	}
	return filepath.Join(d.contentRoot(), p)
}

// removeEmptyDirs removes empty directories of multi-file content,
// deepest first, including the top directory.
func (d *Download) removeEmptyDirs() {
	if len(d.meta.Files) <= 1 {
		return
	}
	root := d.contentRoot()
	if root == "" {
		return
	}
	var dirs []string
	_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
}
