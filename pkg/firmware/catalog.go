package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/schema"
	"github.com/twpayne/go-vfs/v5"
	"gopkg.in/yaml.v3"
)

// Package is one fetchable unit of a vendor
type Package struct {
	Name    string        `yaml:"name" json:"name"`
	Vendor  schema.Vendor `yaml:"-" json:"-"`
	Version string        `yaml:"version,omitempty" json:"version,omitempty"`
	// URL downloads the package directly instead of going through apt
	URL       string `yaml:"url,omitempty" json:"url,omitempty"`
	Checksum  string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
	Algorithm string `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
}

// UnmarshalYAML accepts either a bare package name or a full mapping
func (p *Package) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Name = strings.TrimSpace(value.Value)
		if p.Name == "" {
			return fmt.Errorf("line %d: empty package name", value.Line)
		}
		return nil
	}

	type plain Package
	var pl plain
	if err := value.Decode(&pl); err != nil {
		return err
	}
	if strings.TrimSpace(pl.Name) == "" {
		return fmt.Errorf("line %d: package entry without name", value.Line)
	}
	*p = Package(pl)
	return nil
}

// Catalog maps each vendor to its ordered package list
type Catalog struct {
	source   string
	packages map[schema.Vendor][]Package
}

// DefaultCatalog is used when no catalog file is provided
func DefaultCatalog() *Catalog {
	return NewCatalog("builtin", map[schema.Vendor][]string{
		schema.VendorFreeware: {"firmware-linux-free", "firmware-misc-nonfree"},
		schema.VendorNvidia:   {"nvidia-driver", "nvidia-firmware-graphics", "firmware-nvidia-graphics"},
		schema.VendorAMD:      {"amdgpu-firmware", "firmware-amd-graphics", "amd64-microcode"},
		schema.VendorIntel:    {"intel-microcode", "firmware-intel-sound", "i915-firmware"},
	})
}

// NewCatalog builds a catalog out of plain package names
func NewCatalog(source string, names map[schema.Vendor][]string) *Catalog {
	packages := map[schema.Vendor][]Package{}
	for v, list := range names {
		for _, n := range list {
			packages[v] = append(packages[v], Package{Name: n, Vendor: v})
		}
	}
	return &Catalog{source: source, packages: packages}
}

// LoadCatalog reads a YAML or JSON catalog file. A missing file (or empty path) yields the
// default catalog. Vendors left out of the file have no packages.
func LoadCatalog(fs vfs.FS, path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := fs.ReadFile(path)
	if os.IsNotExist(err) {
		internal.Log.Logger.Debug().Str("file", path).Msg("No catalog file, using the builtin catalog")
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}

	raw := map[string][]Package{}
	// JSON documents are valid YAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	packages := map[schema.Vendor][]Package{}
	for name, list := range raw {
		v, err := ParseVendor(name)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		for _, p := range list {
			p.Vendor = v
			packages[v] = append(packages[v], p)
		}
	}
	internal.Log.Logger.Info().Str("file", path).Msg("Loaded firmware catalog")
	return &Catalog{source: path, packages: packages}, nil
}

// ParseVendor validates a vendor name
func ParseVendor(name string) (schema.Vendor, error) {
	v := schema.Vendor(strings.ToLower(strings.TrimSpace(name)))
	if !v.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownVendor, name)
	}
	return v, nil
}

// Packages returns the packages of the vendor in catalog order
func (c *Catalog) Packages(v schema.Vendor) ([]Package, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, string(v))
	}
	list := c.packages[v]
	out := make([]Package, len(list))
	copy(out, list)
	return out, nil
}

// Names is Packages reduced to package identifiers
func (c *Catalog) Names(v schema.Vendor) ([]string, error) {
	pkgs, err := c.Packages(v)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		names = append(names, p.Name)
	}
	return names, nil
}

// Source tells where the catalog came from
func (c *Catalog) Source() string {
	return c.source
}
