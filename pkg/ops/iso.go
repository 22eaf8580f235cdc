package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/kairos-io/kairos-sdk/types/runner"
	"github.com/otiai10/copy"
	"github.com/twpayne/go-vfs/v5"
)

var (
	// ErrNoEFIImage means the tree cannot boot on UEFI machines
	ErrNoEFIImage = errors.New("no EFI boot image found")
	// ErrNoHelperScript means none of the helper script candidates exist
	ErrNoHelperScript = errors.New("helper script not found")
)

// Extractor copies the file tree of an installer image into root
type Extractor interface {
	Extract(ctx context.Context, image, root string) error
}

// MountExtractor loop mounts the image read only and copies it out with cp -a
type MountExtractor struct {
	FS         vfs.FS
	Runner     runner.Runner
	MountPoint string
	Sudo       bool
}

func (m MountExtractor) run(cmd string, args ...string) error {
	out, err := utils.RunPrivileged(m.Runner, m.Sudo, cmd, args...)
	if err != nil {
		utils.LogOutput(internal.Log, cmd, out)
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

func (m MountExtractor) Extract(_ context.Context, image, root string) error {
	if err := utils.MkdirAll(m.FS, m.MountPoint, constants.DirPerm); err != nil {
		return err
	}
	if err := utils.MkdirAll(m.FS, root, constants.DirPerm); err != nil {
		return err
	}

	if err := m.run("mount", "-o", "loop,ro", image, m.MountPoint); err != nil {
		return err
	}
	internal.Log.Logger.Debug().Str("image", image).Str("mountpoint", m.MountPoint).Msg("Image mounted")

	copyErr := m.run("cp", "-a", m.MountPoint+"/.", root)
	if err := m.run("umount", m.MountPoint); err != nil {
		internal.Log.Logger.Warn().Err(err).Str("mountpoint", m.MountPoint).Msg("Failed to unmount image")
	} else {
		_ = m.FS.Remove(m.MountPoint)
	}
	if copyErr != nil {
		return copyErr
	}

	if err := m.run("chmod", "-R", "u+w", root); err != nil {
		return err
	}
	if m.Sudo {
		// hand the tree back to the invoking user so later steps run unprivileged
		return m.run("chown", "-R", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), root)
	}
	return nil
}

// ISO9660Extractor reads the image in process, no mount privileges needed.
// Names come from the Rock Ridge entries when the image carries them.
type ISO9660Extractor struct {
	FS vfs.FS
}

func (x ISO9660Extractor) Extract(ctx context.Context, image, root string) error {
	raw, err := x.FS.RawPath(image)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d, err := diskfs.Open(raw, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return fmt.Errorf("reading %s: %w", image, err)
	}
	defer d.Close()

	isoFS, err := d.GetFilesystem(0)
	if err != nil {
		return fmt.Errorf("reading %s: %w", image, err)
	}
	if isoFS.Type() != filesystem.TypeISO9660 {
		return fmt.Errorf("reading %s: not an iso9660 image", image)
	}
	if err := utils.MkdirAll(x.FS, root, constants.DirPerm); err != nil {
		return err
	}
	return x.extractDir(ctx, isoFS, "/", root)
}

func (x ISO9660Extractor) extractDir(ctx context.Context, src filesystem.FileSystem, dir, dst string) error {
	entries, err := src.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
			continue
		}
		target := filepath.Join(dst, name)
		if e.IsDir() {
			if err := utils.MkdirAll(x.FS, target, constants.DirPerm); err != nil {
				return err
			}
			if err := x.extractDir(ctx, src, path.Join(dir, name), target); err != nil {
				return err
			}
			continue
		}
		if err := x.writeFile(src, path.Join(dir, name), target); err != nil {
			return err
		}
	}
	return nil
}

func (x ISO9660Extractor) writeFile(src filesystem.FileSystem, name, target string) error {
	in, err := src.OpenFile(name, os.O_RDONLY)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer in.Close()

	out, err := x.FS.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, constants.FilePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("extracting %s: %w", target, err)
	}
	return out.Close()
}

// BootAssets is what an extracted tree offers to boot from. Paths are relative to the tree
// root except MBRTemplate which lives on the host.
type BootAssets struct {
	EFIImage    string
	BIOS        *constants.BIOSLoader
	MBRTemplate string
	Configs     []string
}

func (b BootAssets) UEFI() bool {
	return b.EFIImage != ""
}

func (b BootAssets) LegacyBIOS() bool {
	return b.BIOS != nil
}

// DiscoverBootAssets looks for the known boot images and configs under root
func DiscoverBootAssets(fs vfs.FS, root string) BootAssets {
	var assets BootAssets
	for _, c := range constants.EFIImageCandidates() {
		if ok, _ := utils.Exists(fs, filepath.Join(root, c)); ok {
			assets.EFIImage = c
			break
		}
	}
	for _, l := range constants.BIOSLoaders() {
		if ok, _ := utils.Exists(fs, filepath.Join(root, l.Image)); ok {
			loader := l
			assets.BIOS = &loader
			if mbr, found := utils.FirstExisting(fs, l.MBRCandidates...); found {
				assets.MBRTemplate = mbr
			}
			break
		}
	}
	for _, c := range constants.BootConfigCandidates() {
		if ok, _ := utils.Exists(fs, filepath.Join(root, c)); ok {
			assets.Configs = append(assets.Configs, c)
		}
	}
	return assets
}

// ValidateBootAssets requires an EFI boot image and only warns about legacy boot pieces
func ValidateBootAssets(fs vfs.FS, root string) (BootAssets, error) {
	assets := DiscoverBootAssets(fs, root)
	log := internal.Log.Logger

	if !assets.UEFI() {
		return assets, fmt.Errorf("%w in %s (looked for %s)", ErrNoEFIImage, root, strings.Join(constants.EFIImageCandidates(), ", "))
	}
	log.Info().Str("efi", assets.EFIImage).Msg("Found EFI boot image")

	if !assets.LegacyBIOS() {
		log.Warn().Msg("No legacy BIOS loader found, the image will only boot on UEFI")
	} else {
		log.Info().Str("loader", assets.BIOS.Image).Msg("Found BIOS loader")
		if assets.MBRTemplate == "" {
			log.Warn().Strs("candidates", assets.BIOS.MBRCandidates).Msg("No hybrid MBR template found, the image will not boot from USB on BIOS machines")
		}
	}
	if len(assets.Configs) == 0 {
		log.Warn().Msg("No bootloader configuration found")
	}

	if raw, err := fs.RawPath(filepath.Join(root, assets.EFIImage)); err == nil {
		if err := CheckEFIImage(raw); err != nil {
			log.Warn().Err(err).Str("efi", assets.EFIImage).Msg("EFI boot image looks incomplete")
		}
	}
	return assets, nil
}

// CheckEFIImage opens the FAT image and looks for a removable media fallback loader
func CheckEFIImage(image string) error {
	d, err := diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return err
	}
	defer d.Close()

	fatfs, err := d.GetFilesystem(0)
	if err != nil {
		return fmt.Errorf("no filesystem in %s: %w", image, err)
	}
	for _, name := range []string{constants.EfiFallbackNamex86, constants.EfiFallbackNameArm} {
		f, err := fatfs.OpenFile("/"+constants.EfiBootDir+"/"+name, os.O_RDONLY)
		if err == nil {
			_ = f.Close()
			return nil
		}
	}
	return fmt.Errorf("no fallback loader under /%s", constants.EfiBootDir)
}

// RemasterOptions drives the xorriso command line
type RemasterOptions struct {
	Root   string
	Output string
	Label  string
	Assets BootAssets
}

// XorrisoArgs assembles the mkisofs emulation arguments. BIOS flags only appear with a
// legacy loader, UEFI flags only with an EFI image, and the hybrid MBR and GPT flags only
// when an MBR template was found.
func XorrisoArgs(opts RemasterOptions) []string {
	args := []string{
		"-as", "mkisofs",
		"-r",
		"-V", opts.Label,
		"-J", "-joliet-long",
		"-cache-inodes",
	}
	a := opts.Assets
	hybrid := a.LegacyBIOS() && a.MBRTemplate != ""
	if hybrid {
		args = append(args, a.BIOS.MBRFlag, a.MBRTemplate)
	}
	if a.LegacyBIOS() {
		args = append(args,
			"-b", a.BIOS.Image,
			"-c", a.BIOS.Catalog,
			"-boot-load-size", "4",
			"-boot-info-table",
			"-no-emul-boot",
		)
		args = append(args, a.BIOS.Extra...)
	}
	if a.UEFI() {
		if a.LegacyBIOS() {
			args = append(args, "-eltorito-alt-boot")
		}
		args = append(args, "-e", a.EFIImage, "-no-emul-boot")
		if hybrid {
			args = append(args, "-isohybrid-gpt-basdat")
		}
	}
	return append(args, "-o", opts.Output, opts.Root)
}

// Remaster writes the final image with xorriso
func Remaster(fs vfs.FS, r runner.Runner, opts RemasterOptions) error {
	if err := utils.MkdirAll(fs, filepath.Dir(opts.Output), constants.DirPerm); err != nil {
		return err
	}
	args := XorrisoArgs(opts)
	internal.Log.Logger.Debug().Strs("args", args).Msg("Running xorriso")
	out, err := r.Run("xorriso", args...)
	if err != nil {
		utils.LogOutput(internal.Log, "xorriso", out)
		return fmt.Errorf("xorriso: %w", err)
	}
	if _, err := fs.Stat(opts.Output); err != nil {
		return fmt.Errorf("xorriso did not produce %s: %w", opts.Output, err)
	}
	return nil
}

// StageHelperScript copies the first existing candidate into root as an executable
func StageHelperScript(fs vfs.FS, candidates []string, root string) (string, error) {
	src, ok := utils.FirstExisting(fs, candidates...)
	if !ok {
		return "", fmt.Errorf("%w, looked in %s", ErrNoHelperScript, strings.Join(candidates, ", "))
	}
	dst := filepath.Join(root, constants.HelperScriptName)

	rawSrc, err := fs.RawPath(src)
	if err != nil {
		return "", err
	}
	rawDst, err := fs.RawPath(dst)
	if err != nil {
		return "", err
	}
	if err := copy.Copy(rawSrc, rawDst); err != nil {
		return "", fmt.Errorf("copying %s: %w", src, err)
	}
	if err := fs.Chmod(dst, constants.ExecPerm); err != nil {
		return "", err
	}
	return src, nil
}
