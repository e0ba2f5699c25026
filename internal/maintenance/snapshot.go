package maintenance

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ArchiveName returns the snapshot file name for t.
func ArchiveName(t time.Time) string {
	return "WENBNB_Backup_" + t.Format("20060102_150405") + ".zip"
}

// Snapshot zips every regular file under dirs into dest. Entries are stored
// as <base(dir)>/<relative path>. Missing directories are skipped. The
// archive is written to a temp file and renamed into place.
func Snapshot(dest string, dirs ...string) (files int, err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create backup dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".backup-*.zip")
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, dir := range dirs {
		n, werr := addDir(zw, dir, dest)
		files += n
		if werr != nil {
			return files, werr
		}
	}
	if err = zw.Close(); err != nil {
		return files, fmt.Errorf("finish archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return files, fmt.Errorf("close archive: %w", err)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return files, fmt.Errorf("rename archive: %w", err)
	}
	return files, nil
}

func addDir(zw *zip.Writer, dir, exclude string) (int, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%s is not a directory", dir)
	}

	excludeAbs, _ := filepath.Abs(exclude)
	base := filepath.Base(filepath.Clean(dir))
	n := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == excludeAbs {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if err := addFile(zw, path, filepath.ToSlash(filepath.Join(base, rel))); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("archive %s: %w", dir, err)
	}
	return n, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
