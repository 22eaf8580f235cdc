package microcode

import (
	"io"
	"os"
	"path/filepath"

	"github.com/twpayne/go-vfs/v5"
	"github.com/u-root/u-root/pkg/cpio"
)

// WriteNewc packs the tree under root into an uncompressed newc archive, the format the
// kernel scans for early microcode. Entry names are relative to root, parents are written
// before their children and siblings in lexical order. Ownership and timestamps are zeroed
// so the same tree always gives the same bytes.
func WriteNewc(fs vfs.FS, root string, w io.Writer) error {
	var records []cpio.Record
	err := vfs.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		switch {
		case info.IsDir():
			records = append(records, cpio.Directory(rel, 0o755))
		case info.Mode().IsRegular():
			data, err := fs.ReadFile(path)
			if err != nil {
				return err
			}
			records = append(records, cpio.StaticFile(rel, string(data), 0o644))
		}
		return nil
	})
	if err != nil {
		return err
	}

	rw := cpio.Newc.Writer(w)
	if err := cpio.WriteRecords(rw, records); err != nil {
		return err
	}
	return cpio.WriteTrailer(rw)
}
