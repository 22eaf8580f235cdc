package firmware

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/ops"
	"github.com/kairos-io/firmforge/pkg/schema"
	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/kairos-io/kairos-sdk/types/runner"
	"github.com/twpayne/go-vfs/v5"
	"golang.org/x/sync/errgroup"
)

// Downloader puts the artifact of a package into dir
type Downloader interface {
	Download(ctx context.Context, pkg Package, release, dir string) error
}

// PackageDownloader fetches packages with a source URL over HTTP and everything else
// with apt-get download for the given release.
type PackageDownloader struct {
	Runner runner.Runner
}

func (d PackageDownloader) Download(ctx context.Context, pkg Package, release, dir string) error {
	if pkg.URL != "" {
		_, err := ops.Download(ctx, pkg.URL, filepath.Join(dir, pkg.Name+constants.PackageExt))
		return err
	}

	target := pkg.Name
	if pkg.Version != "" {
		target = fmt.Sprintf("%s=%s", pkg.Name, pkg.Version)
	}
	out, err := utils.RunInDir(d.Runner, dir, "apt-get", "download", "-t", release, target)
	if err != nil {
		utils.LogOutput(internal.Log, "apt-get download", out)
		return fmt.Errorf("apt-get download %s: %w", target, err)
	}
	return nil
}

// VendorResult is the outcome of fetching one vendor's package list
type VendorResult struct {
	Vendor   schema.Vendor
	Packages []string
	Err      error
}

func (r VendorResult) OK() bool {
	return r.Err == nil
}

// Fetcher resolves packages to local files, using the cache when possible
type Fetcher struct {
	fs          vfs.FS
	catalog     *Catalog
	cache       *Cache
	downloader  Downloader
	release     string
	force       bool
	parallelism int
}

// NewFetcher builds a fetcher for the release, cache and refresh policy in the config
func NewFetcher(fs vfs.FS, cfg schema.BuildConfig, catalog *Catalog, downloader Downloader) *Fetcher {
	p := cfg.FetchParallelism
	if p < 1 {
		p = 1
	}
	return &Fetcher{
		fs:          fs,
		catalog:     catalog,
		cache:       NewCache(fs, cfg.FirmwareCache),
		downloader:  downloader,
		release:     cfg.DebianRelease,
		force:       cfg.ForceRefresh,
		parallelism: p,
	}
}

// Fetch returns the local path of the package artifact. Failures are logged and reported as
// ok=false so the caller decides whether a missing package matters.
func (f *Fetcher) Fetch(ctx context.Context, pkg Package) (path string, ok bool) {
	log := internal.Log.Logger.With().Str("package", pkg.Name).Logger()

	if !f.force {
		if p, hit := f.cache.Lookup(pkg); hit {
			err := f.verify(pkg, p)
			if err == nil {
				log.Debug().Str("file", p).Msg("Using cached package")
				return p, true
			}
			log.Warn().Err(err).Msg("Cached package does not verify, fetching again")
		}
	}
	if err := f.cache.Invalidate(pkg.Name); err != nil {
		log.Warn().Err(err).Msg("Could not drop cached package")
	}

	log.Info().Msg("Downloading package")
	if err := f.downloader.Download(ctx, pkg, f.release, f.cache.Dir()); err != nil {
		log.Error().Err(err).Msg("Failed to download package")
		return "", false
	}
	p, hit := f.cache.Lookup(pkg)
	if !hit {
		log.Error().Str("dir", f.cache.Dir()).Msg("Download succeeded but no artifact was found")
		return "", false
	}
	if err := f.verify(pkg, p); err != nil {
		log.Error().Err(err).Msg("Downloaded package does not verify")
		return "", false
	}
	return p, true
}

func (f *Fetcher) verify(pkg Package, path string) error {
	if pkg.Checksum == "" {
		return nil
	}
	return Verify(f.fs, path, pkg.Checksum, pkg.Algorithm)
}

// FetchVendor fetches every package of the vendor. Individual failures are skipped; the result
// carries ErrFirmwareDownload only when nothing at all could be fetched.
func (f *Fetcher) FetchVendor(ctx context.Context, vendor schema.Vendor) VendorResult {
	result := VendorResult{Vendor: vendor}
	pkgs, err := f.catalog.Packages(vendor)
	if err != nil {
		result.Err = err
		return result
	}
	if err := f.cache.Ensure(); err != nil {
		result.Err = fmt.Errorf("%w: creating cache dir: %w", ErrFirmwareDownload, err)
		return result
	}

	internal.Log.Logger.Info().Str("vendor", vendor.String()).Int("packages", len(pkgs)).Msg("Fetching vendor firmware")

	// Slots keep catalog order whatever order downloads finish in
	paths := make([]string, len(pkgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for i, pkg := range pkgs {
		g.Go(func() error {
			if p, ok := f.Fetch(gctx, pkg); ok {
				paths[i] = p
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range paths {
		if p != "" {
			result.Packages = append(result.Packages, p)
		}
	}
	if len(result.Packages) == 0 {
		result.Err = fmt.Errorf("%w: no package of vendor %s could be fetched", ErrFirmwareDownload, vendor)
		return result
	}
	internal.Log.Logger.Info().
		Str("vendor", vendor.String()).
		Int("fetched", len(result.Packages)).
		Int("wanted", len(pkgs)).
		Msg("Vendor firmware fetched")
	return result
}
