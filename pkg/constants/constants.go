package constants

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultProxmoxVersion = "9.1"
	DefaultDebianRelease  = "trixie"
	DefaultOutputDir      = "output"
	DefaultWorkDir        = "work"
	DefaultCacheDir       = "firmware-cache"
	DefaultCatalogFile    = "config/firmware-sources.json"
	DefaultParallelism    = 4

	// ImageURLTemplate is filled with the installer version
	ImageURLTemplate    = "https://download.proxmox.com/iso/proxmox-ve_%s-1.iso"
	ImageFileTemplate   = "proxmox-ve_%s.iso"
	OutputFileTemplate  = "proxmox-ve_%s_custom.iso"
	VolumeLabelTemplate = "Proxmox VE %s"

	ExtractRootDir   = "iso_root"
	MountDir         = "iso_mount"
	FirmwareDir      = "firmware"
	InitrdPath       = "boot/initrd.img"
	OrigSuffix       = ".orig"
	HelperScriptName = "install-firmware.sh"
	PackageExt       = ".deb"
	UnpackDirPrefix  = "firmforge-unpack-"
	MicrocodeWorkDir = "early-microcode"

	ExtractMount   = "mount"
	ExtractISO9660 = "iso9660"

	ChecksumSHA256 = "sha256"
	ChecksumMD5    = "md5"

	// Default directory and file fileModes
	DirPerm  = os.ModeDir | os.ModePerm
	FilePerm = 0644
	ExecPerm = 0755

	ArchArm64   = "arm64"
	Archx86     = "x86_64"
	ArchAmd64   = "amd64"
	Archaarch64 = "aarch64"

	// MicrocodeArch is the arch component of kernel/<arch>/microcode, the only one the kernel
	// early loader knows about for Intel and AMD cpus.
	MicrocodeArch = "x86"
	IntelVendorID = "GenuineIntel"
	AMDVendorID   = "AuthenticAMD"
	IntelUcodeDir = "intel-ucode"
	AMDUcodeDir   = "amd-ucode"
	InitramfsExt  = ".initramfs"

	EfiBootDir         = "EFI/BOOT"
	EfiFallbackNamex86 = "BOOTX64.EFI"
	EfiFallbackNameArm = "BOOTAA64.EFI"
	UserAgent          = "firmforge"
)

// Op names for the build graph. One per state transition.
const (
	OpPrepareDirs       = "prepare-dirs"
	OpAcquireImage      = "acquire-image"
	OpExtractImage      = "extract-image"
	OpFetchFirmware     = "fetch-firmware"
	OpIntegrateFirmware = "integrate-firmware"
	OpBuildMicrocode    = "build-microcode"
	OpStageHelper       = "stage-helper"
	OpValidateBoot      = "validate-boot"
	OpRemasterImage     = "remaster-image"
)

const MB = int64(1024 * 1024)

// BIOSLoader describes a legacy boot loader layout that may be found in an installer tree
type BIOSLoader struct {
	// Image is the El Torito boot image, relative to the tree root
	Image string
	// Catalog is the boot catalog to generate, relative to the tree root
	Catalog string
	// MBRFlag is the xorriso mkisofs flag that takes the hybrid MBR template
	MBRFlag string
	// MBRCandidates are host paths where the MBR template may live, in order of preference
	MBRCandidates []string
	// Extra arguments appended after the El Torito options
	Extra []string
}

// FirmwarePayloadDirs are the subtrees of a firmware package that are merged into the image.
// Debian releases with merged /usr ship firmware under usr/lib/firmware.
func FirmwarePayloadDirs() []string {
	return []string{"lib/firmware", "usr/lib/firmware"}
}

// EFIImageCandidates returns the known locations of the UEFI El Torito image inside an installer tree
func EFIImageCandidates() []string {
	return []string{"efi.img", "boot/grub/efi.img", "images/efiboot.img"}
}

// BootConfigCandidates returns the known bootloader configuration files
func BootConfigCandidates() []string {
	return []string{"isolinux/isolinux.cfg", "boot/grub/grub.cfg"}
}

// BIOSLoaders returns the known legacy loaders, in order of preference
func BIOSLoaders() []BIOSLoader {
	return []BIOSLoader{
		{
			Image:   "isolinux/isolinux.bin",
			Catalog: "isolinux/boot.cat",
			MBRFlag: "-isohybrid-mbr",
			MBRCandidates: []string{
				"/usr/lib/ISOLINUX/isohdpfx.bin",
				"/usr/share/syslinux/isohdpfx.bin",
				"/usr/lib/syslinux/bios/isohdpfx.bin",
				"/usr/lib/syslinux/mbr/isohdpfx.bin",
			},
		},
		{
			Image:         "boot/grub/i386-pc/eltorito.img",
			Catalog:       "boot/boot.cat",
			MBRFlag:       "--grub2-mbr",
			MBRCandidates: []string{"/usr/lib/grub/i386-pc/boot_hybrid.img"},
			Extra:         []string{"--grub2-boot-info"},
		},
	}
}

// HelperScriptCandidates returns where the install helper is looked up, configured path first
func HelperScriptCandidates(configured string) []string {
	var candidates []string
	if configured != "" {
		candidates = append(candidates, configured)
	}
	return append(candidates,
		filepath.Join("scripts", HelperScriptName),
		filepath.Join("/usr/local/share/firmforge", HelperScriptName),
		filepath.Join("/usr/share/firmforge", HelperScriptName),
	)
}

func ImageURL(version string) string {
	return fmt.Sprintf(ImageURLTemplate, version)
}

func ImageFileName(version string) string {
	return fmt.Sprintf(ImageFileTemplate, version)
}

func OutputFileName(version string) string {
	return fmt.Sprintf(OutputFileTemplate, version)
}

func VolumeLabel(version string) string {
	return fmt.Sprintf(VolumeLabelTemplate, version)
}
