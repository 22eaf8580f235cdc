package firmware

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/twpayne/go-vfs/v5"
)

// Cache is the on-disk directory fetched packages land in and are reused from
type Cache struct {
	fs  vfs.FS
	dir string
}

func NewCache(fs vfs.FS, dir string) *Cache {
	return &Cache{fs: fs, dir: dir}
}

func (c *Cache) Dir() string {
	return c.dir
}

// Ensure creates the cache directory
func (c *Cache) Ensure() error {
	return utils.MkdirAll(c.fs, c.dir, constants.DirPerm)
}

// Lookup returns the cached artifact of a package. Unpinned packages match <name>.deb or the
// first <name>_*.deb in lexical order. A pinned version only matches <name>_<version>_*.deb,
// plus <name>.deb when the package comes from a URL.
func (c *Cache) Lookup(pkg Package) (string, bool) {
	if pkg.Version == "" || pkg.URL != "" {
		exact := filepath.Join(c.dir, pkg.Name+constants.PackageExt)
		if ok, _ := utils.Exists(c.fs, exact); ok {
			return exact, true
		}
	}
	matches := c.versioned(pkg.Name, pkg.Version)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// Invalidate drops every cached artifact of the package
func (c *Cache) Invalidate(name string) error {
	paths := append(c.versioned(name, ""), filepath.Join(c.dir, name+constants.PackageExt))
	for _, p := range paths {
		if err := c.fs.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) versioned(name, version string) []string {
	entries, err := c.fs.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	pattern := glob.QuoteMeta(name) + "_*" + constants.PackageExt
	if version != "" {
		// apt-get download escapes the epoch separator in file names
		escaped := strings.ReplaceAll(version, ":", "%3a")
		pattern = glob.QuoteMeta(name+"_"+escaped+"_") + "*" + constants.PackageExt
	}
	g := glob.MustCompile(pattern)
	var matches []string
	for _, e := range entries {
		if e.IsDir() || !g.Match(e.Name()) {
			continue
		}
		matches = append(matches, filepath.Join(c.dir, e.Name()))
	}
	sort.Strings(matches)
	return matches
}
