package microcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/twpayne/go-vfs/v5"
)

// vendorSource ties a cpu vendor id to the firmware subdir its blobs are shipped in
type vendorSource struct {
	id  string
	dir string
}

func vendorSources() []vendorSource {
	return []vendorSource{
		{id: constants.IntelVendorID, dir: constants.IntelUcodeDir},
		{id: constants.AMDVendorID, dir: constants.AMDUcodeDir},
	}
}

// CombineVendorMicrocode concatenates the blobs in sourceDir, sorted by name and skipping
// *.initramfs files, into destDir/<vendorID>.bin. It returns false and leaves no blob behind
// when the source is missing, empty, or adds up to zero bytes.
func CombineVendorMicrocode(fs vfs.FS, destDir, sourceDir, vendorID string) (bool, error) {
	names, err := utils.SortedFiles(fs, sourceDir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var sources []string
	for _, n := range names {
		if strings.HasSuffix(n, constants.InitramfsExt) {
			continue
		}
		sources = append(sources, filepath.Join(sourceDir, n))
	}
	if len(sources) == 0 {
		return false, nil
	}

	if err := utils.MkdirAll(fs, destDir, constants.DirPerm); err != nil {
		return false, err
	}
	blob := filepath.Join(destDir, vendorID+".bin")
	if err := utils.ConcatFiles(fs, sources, blob); err != nil {
		return false, err
	}
	info, err := fs.Stat(blob)
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, fs.Remove(blob)
	}
	return true, nil
}

// EarlyArchive is the result of BuildEarlyArchive
type EarlyArchive struct {
	// Path of the newc archive, empty when nothing was built
	Path string
	// Vendors that contributed a non empty blob
	Vendors []string
}

func (a EarlyArchive) Built() bool {
	return len(a.Vendors) > 0
}

// BuildEarlyArchive lays out workDir/kernel/x86/microcode with one blob per cpu vendor found
// under firmwareDir and packs workDir into workDir.cpio. When no vendor has microcode nothing
// is written and the returned archive reports Built() == false.
func BuildEarlyArchive(fs vfs.FS, workDir, firmwareDir string) (EarlyArchive, error) {
	var result EarlyArchive
	if err := fs.RemoveAll(workDir); err != nil {
		return result, err
	}
	destDir := filepath.Join(workDir, "kernel", constants.MicrocodeArch, "microcode")

	for _, v := range vendorSources() {
		added, err := CombineVendorMicrocode(fs, destDir, filepath.Join(firmwareDir, v.dir), v.id)
		if err != nil {
			return result, fmt.Errorf("combining %s microcode: %w", v.id, err)
		}
		internal.Log.Logger.Debug().Str("vendor", v.id).Bool("added", added).Msg("Vendor microcode")
		if added {
			result.Vendors = append(result.Vendors, v.id)
		}
	}
	if !result.Built() {
		return result, nil
	}

	archive := filepath.Clean(workDir) + ".cpio"
	f, err := fs.Create(archive)
	if err != nil {
		return result, err
	}
	if err := WriteNewc(fs, workDir, f); err != nil {
		f.Close()
		_ = fs.Remove(archive)
		return result, fmt.Errorf("writing %s: %w", archive, err)
	}
	if err := f.Close(); err != nil {
		return result, err
	}
	result.Path = archive
	return result, nil
}

// PrependToInitrd rewrites initrd as archive followed by the original initrd, keeping the
// original as <initrd>.orig. A missing initrd is left alone and reported as false.
func PrependToInitrd(fs vfs.FS, archive, initrd string) (bool, error) {
	if ok, err := utils.Exists(fs, initrd); err != nil || !ok {
		return false, err
	}
	orig := initrd + constants.OrigSuffix
	if err := fs.Rename(initrd, orig); err != nil {
		return false, err
	}
	if err := utils.ConcatFiles(fs, []string{archive, orig}, initrd); err != nil {
		// restore the original
		if rerr := fs.Rename(orig, initrd); rerr != nil {
			internal.Log.Logger.Error().Err(rerr).Str("initrd", initrd).Msg("Could not restore original initrd")
		}
		return false, err
	}
	return true, nil
}

// Result summarizes an Assemble run
type Result struct {
	Vendors   []string
	Archive   string
	Prepended bool
}

// Assemble builds the early microcode archive out of firmwareDir and prepends it to initrd.
// No microcode is not an error: the result just reports nothing was done.
func Assemble(fs vfs.FS, workDir, firmwareDir, initrd string) (Result, error) {
	archive, err := BuildEarlyArchive(fs, workDir, firmwareDir)
	if err != nil {
		return Result{}, err
	}
	res := Result{Vendors: archive.Vendors, Archive: archive.Path}
	if !archive.Built() {
		internal.Log.Logger.Info().Str("firmware", firmwareDir).Msg("No CPU microcode found, initrd left untouched")
		return res, nil
	}

	res.Prepended, err = PrependToInitrd(fs, archive.Path, initrd)
	if err != nil {
		return res, fmt.Errorf("prepending microcode to %s: %w", initrd, err)
	}
	if !res.Prepended {
		internal.Log.Logger.Warn().Str("initrd", initrd).Msg("No initrd found, early microcode archive not used")
		return res, nil
	}
	internal.Log.Logger.Info().Strs("vendors", res.Vendors).Str("initrd", initrd).Msg("Early microcode prepended to initrd")
	return res, nil
}
