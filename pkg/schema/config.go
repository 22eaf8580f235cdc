package schema

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/firmforge/pkg/constants"
)

// Vendor is a firmware source category
type Vendor string

const (
	VendorFreeware Vendor = "freeware"
	VendorNvidia   Vendor = "nvidia"
	VendorAMD      Vendor = "amd"
	VendorIntel    Vendor = "intel"
)

// Vendors returns every known vendor, freeware first
func Vendors() []Vendor {
	return []Vendor{VendorFreeware, VendorNvidia, VendorAMD, VendorIntel}
}

func (v Vendor) Valid() bool {
	for _, known := range Vendors() {
		if v == known {
			return true
		}
	}
	return false
}

func (v Vendor) String() string {
	return string(v)
}

// BuildConfig represent a firmforge build.
// It is read-only once Validate has succeeded.
type BuildConfig struct {
	// ProxmoxVersion is the installer release to remaster
	ProxmoxVersion string `yaml:"proxmox_version" json:"proxmox_version" mapstructure:"proxmox_version"`
	// DebianRelease is passed to apt as the target release of firmware packages
	DebianRelease string `yaml:"debian_release" json:"debian_release" mapstructure:"debian_release"`

	IncludeNvidia bool `yaml:"include_nvidia" json:"include_nvidia" mapstructure:"include_nvidia"`
	IncludeAMD    bool `yaml:"include_amd" json:"include_amd" mapstructure:"include_amd"`
	IncludeIntel  bool `yaml:"include_intel" json:"include_intel" mapstructure:"include_intel"`

	BuildArch []string `yaml:"build_arch" json:"build_arch" mapstructure:"build_arch"`

	OutputDir     string `yaml:"output_dir" json:"output_dir" mapstructure:"output_dir"`
	WorkDir       string `yaml:"work_dir" json:"work_dir" mapstructure:"work_dir"`
	FirmwareCache string `yaml:"firmware_cache" json:"firmware_cache" mapstructure:"firmware_cache"`

	// ImageURL overrides the default download location of the base image
	ImageURL    string `yaml:"iso_url" json:"iso_url" mapstructure:"iso_url"`
	VolumeLabel string `yaml:"volume_label" json:"volume_label" mapstructure:"volume_label"`
	OutputName  string `yaml:"output_name" json:"output_name" mapstructure:"output_name"`

	// CatalogFile replaces the built-in vendor package mapping when present
	CatalogFile   string `yaml:"catalog_file" json:"catalog_file" mapstructure:"catalog_file"`
	ExtractMethod string `yaml:"extract_method" json:"extract_method" mapstructure:"extract_method"`
	HelperScript  string `yaml:"helper_script" json:"helper_script" mapstructure:"helper_script"`

	// Sudo prefixes privileged commands (mount, cp, umount) with sudo
	Sudo             bool `yaml:"sudo" json:"sudo" mapstructure:"sudo"`
	ForceRefresh     bool `yaml:"force_refresh" json:"force_refresh" mapstructure:"force_refresh"`
	FetchParallelism int  `yaml:"fetch_parallelism" json:"fetch_parallelism" mapstructure:"fetch_parallelism"`
}

// DefaultBuildConfig returns the configuration used when nothing else is set
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{
		ProxmoxVersion:   constants.DefaultProxmoxVersion,
		DebianRelease:    constants.DefaultDebianRelease,
		IncludeNvidia:    true,
		IncludeAMD:       true,
		IncludeIntel:     true,
		BuildArch:        []string{"linux/amd64", "linux/arm64"},
		OutputDir:        constants.DefaultOutputDir,
		WorkDir:          constants.DefaultWorkDir,
		FirmwareCache:    constants.DefaultCacheDir,
		CatalogFile:      constants.DefaultCatalogFile,
		ExtractMethod:    constants.ExtractMount,
		FetchParallelism: constants.DefaultParallelism,
	}
}

// NormalizeArch maps docker style platforms and uname style names to GOARCH names
func NormalizeArch(arch string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(arch))
	a = strings.TrimPrefix(a, "linux/")
	switch a {
	case constants.ArchAmd64, constants.Archx86:
		return constants.ArchAmd64, nil
	case constants.ArchArm64, constants.Archaarch64:
		return constants.ArchArm64, nil
	default:
		return "", fmt.Errorf("invalid arch %q", arch)
	}
}

// Validate checks the invariants of the config and fills derived defaults.
// All problems are reported at once.
func (c *BuildConfig) Validate() error {
	var result *multierror.Error

	c.ProxmoxVersion = strings.TrimSpace(c.ProxmoxVersion)
	c.DebianRelease = strings.TrimSpace(c.DebianRelease)
	if c.ProxmoxVersion == "" {
		result = multierror.Append(result, fmt.Errorf("proxmox_version must not be empty"))
	}
	if c.DebianRelease == "" {
		result = multierror.Append(result, fmt.Errorf("debian_release must not be empty"))
	}

	var archs []string
	for _, a := range c.BuildArch {
		if strings.TrimSpace(a) == "" {
			continue
		}
		n, err := NormalizeArch(a)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !contains(archs, n) {
			archs = append(archs, n)
		}
	}
	if len(archs) == 0 {
		result = multierror.Append(result, fmt.Errorf("build_arch must not be empty"))
	}
	c.BuildArch = archs

	switch c.ExtractMethod {
	case "":
		c.ExtractMethod = constants.ExtractMount
	case constants.ExtractMount, constants.ExtractISO9660:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown extract_method %q, expected %s or %s",
			c.ExtractMethod, constants.ExtractMount, constants.ExtractISO9660))
	}

	for _, dir := range []struct{ name, value string }{
		{"output_dir", c.OutputDir},
		{"work_dir", c.WorkDir},
		{"firmware_cache", c.FirmwareCache},
	} {
		if strings.TrimSpace(dir.value) == "" {
			result = multierror.Append(result, fmt.Errorf("%s must not be empty", dir.name))
		}
	}

	if c.FetchParallelism < 1 {
		c.FetchParallelism = 1
	}

	return result.ErrorOrNil()
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}

// Includes reports whether the vendor is processed by this build. Freeware always is.
func (c BuildConfig) Includes(v Vendor) bool {
	switch v {
	case VendorFreeware:
		return true
	case VendorNvidia:
		return c.IncludeNvidia
	case VendorAMD:
		return c.IncludeAMD
	case VendorIntel:
		return c.IncludeIntel
	}
	return false
}

// EnabledVendors lists the vendors to fetch, in processing order
func (c BuildConfig) EnabledVendors() []Vendor {
	var vendors []Vendor
	for _, v := range Vendors() {
		if c.Includes(v) {
			vendors = append(vendors, v)
		}
	}
	return vendors
}

// TargetsX86 is true when an architecture that loads Intel/AMD early microcode is built
func (c BuildConfig) TargetsX86() bool {
	return contains(c.BuildArch, constants.ArchAmd64)
}

func (c BuildConfig) WorkPath(s ...string) string {
	return filepath.Join(append([]string{c.WorkDir}, s...)...)
}

// ImageSource is the URL the base image is fetched from
func (c BuildConfig) ImageSource() string {
	if c.ImageURL != "" {
		return c.ImageURL
	}
	return constants.ImageURL(c.ProxmoxVersion)
}

// ImagePath is where the base image is cached between runs
func (c BuildConfig) ImagePath() string {
	return c.WorkPath(constants.ImageFileName(c.ProxmoxVersion))
}

func (c BuildConfig) ExtractRoot() string {
	return c.WorkPath(constants.ExtractRootDir)
}

func (c BuildConfig) MountPoint() string {
	return c.WorkPath(constants.MountDir)
}

func (c BuildConfig) Label() string {
	if c.VolumeLabel != "" {
		return c.VolumeLabel
	}
	return constants.VolumeLabel(c.ProxmoxVersion)
}

func (c BuildConfig) OutputPath() string {
	name := c.OutputName
	if name == "" {
		name = constants.OutputFileName(c.ProxmoxVersion)
	}
	return filepath.Join(c.OutputDir, name)
}
