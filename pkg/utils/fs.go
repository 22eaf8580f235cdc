package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/twpayne/go-vfs/v5"
	"github.com/twpayne/go-vfs/v5/vfst"
)

// MkdirAll directory and all parents if not existing
func MkdirAll(fs vfs.FS, name string, mode os.FileMode) (err error) {
	if _, isReadOnly := fs.(*vfs.ReadOnlyFS); isReadOnly {
		return permError("mkdir", name)
	}
	if name, err = fs.RawPath(name); err != nil {
		return &os.PathError{Op: "mkdir", Path: name, Err: err}
	}
	return os.MkdirAll(name, mode)
}

// permError returns an *os.PathError with Err syscall.EPERM.
func permError(op, path string) error {
	return &os.PathError{
		Op:   op,
		Path: path,
		Err:  syscall.EPERM,
	}
}

// TempDir creates a temp dir in the virtual fs
func TempDir(fs vfs.FS, dir, prefix string) (name string, err error) {
	if dir == "" {
		dir = os.TempDir()
	}
	// Predictable names under the test fs so specs can look inside
	if _, isTestFs := fs.(*vfst.TestFS); isTestFs {
		name = filepath.Join(dir, prefix)
		if err = MkdirAll(fs, name, constants.DirPerm); err != nil {
			return "", err
		}
		return name, nil
	}
	if err = MkdirAll(fs, dir, constants.DirPerm); err != nil {
		return "", err
	}
	nconflict := 0
	for i := 0; i < 10000; i++ {
		try := filepath.Join(dir, prefix+nextRandom())
		err = fs.Mkdir(try, 0700)
		if os.IsExist(err) {
			if nconflict++; nconflict > 10 {
				randmu.Lock()
				rand = reseed()
				randmu.Unlock()
			}
			continue
		}
		if err == nil {
			name = try
		}
		break
	}
	return
}

var rand uint32
var randmu sync.Mutex

func reseed() uint32 {
	return uint32(time.Now().UnixNano() + int64(os.Getpid()))
}

func nextRandom() string {
	randmu.Lock()
	r := rand
	if r == 0 {
		r = reseed()
	}
	r = r*1664525 + 1013904223 // constants from Numerical Recipes
	rand = r
	randmu.Unlock()
	return strconv.Itoa(int(1e9 + r%1e9))[1:]
}

// CopyFile copies source file to target file using the fs. Parent dirs of the target are created.
func CopyFile(fs vfs.FS, source string, target string) error {
	if err := MkdirAll(fs, filepath.Dir(target), constants.DirPerm); err != nil {
		return err
	}
	return ConcatFiles(fs, []string{source}, target)
}

// IsDir check if the path is a dir
func IsDir(fs vfs.FS, path string) (bool, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// ConcatFiles writes the source files into target, in the given order.
// The target is removed if anything fails half way.
func ConcatFiles(fs vfs.FS, sources []string, target string) (err error) {
	if len(sources) == 0 {
		return fmt.Errorf("empty sources list")
	}
	if dir, _ := IsDir(fs, target); dir {
		target = filepath.Join(target, filepath.Base(sources[0]))
	}

	targetFile, err := fs.Create(target)
	if err != nil {
		return err
	}
	defer func() {
		cerr := targetFile.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			_ = fs.Remove(target)
		}
	}()

	for _, source := range sources {
		if err = appendFile(fs, targetFile, source); err != nil {
			return err
		}
	}
	return nil
}

func appendFile(fs vfs.FS, w io.Writer, source string) error {
	f, err := fs.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// DirSize returns the accumulated size of all files in folder
func DirSize(fs vfs.FS, path string) (int64, error) {
	var size int64
	err := vfs.Walk(fs, path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// Exists checks if a file or directory exists.
func Exists(fs vfs.FS, path string) (bool, error) {
	_, err := fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// FirstExisting returns the first candidate path that exists
func FirstExisting(fs vfs.FS, candidates ...string) (string, bool) {
	for _, c := range candidates {
		if ok, _ := Exists(fs, c); ok {
			return c, true
		}
	}
	return "", false
}

// SortedFiles returns the names of the regular files directly under dir, sorted by name.
// Symlinks pointing at regular files are included.
func SortedFiles(fs vfs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		info, err := fs.Stat(filepath.Join(dir, e.Name()))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// FileChecksum returns the hex digest of the file with the given algorithm (sha256 or md5)
func FileChecksum(fs vfs.FS, fileName, algorithm string) (string, error) {
	var h hash.Hash
	switch strings.ToLower(algorithm) {
	case constants.ChecksumSHA256, "":
		h = sha256.New()
	case constants.ChecksumMD5:
		h = md5.New()
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	f, err := fs.Open(fileName)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// CopyRegularFiles copies every regular file under src into dst keeping the relative layout.
// Existing files in dst are overwritten. Returns the number of files copied.
func CopyRegularFiles(fs vfs.FS, src, dst string) (int, error) {
	copied := 0
	err := vfs.Walk(fs, src, func(path string, info iofs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&iofs.ModeSymlink != 0 {
			// Follow links to files, skip dangling ones and links to dirs
			target, serr := fs.Stat(path)
			if serr != nil || !target.Mode().IsRegular() {
				return nil
			}
		} else if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := CopyFile(fs, path, filepath.Join(dst, rel)); err != nil {
			return err
		}
		copied++
		return nil
	})
	return copied, err
}
