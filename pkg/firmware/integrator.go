package firmware

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/kairos-io/kairos-sdk/types/runner"
	"github.com/twpayne/go-vfs/v5"
)

// Unpacker extracts a package archive into dest
type Unpacker interface {
	Unpack(ctx context.Context, pkg, dest string) error
}

// DebUnpacker unpacks .deb files with dpkg-deb
type DebUnpacker struct {
	Runner runner.Runner
}

func (d DebUnpacker) Unpack(_ context.Context, pkg, dest string) error {
	out, err := d.Runner.Run("dpkg-deb", "-x", pkg, dest)
	if err != nil {
		utils.LogOutput(internal.Log, "dpkg-deb", out)
		return fmt.Errorf("dpkg-deb -x %s: %w", pkg, err)
	}
	return nil
}

// Integrator merges the firmware payload of packages into an image tree
type Integrator struct {
	fs       vfs.FS
	unpacker Unpacker
	// tmpDir hosts the per package extraction dirs, os.TempDir() when empty
	tmpDir string
}

func NewIntegrator(fs vfs.FS, unpacker Unpacker, tmpDir string) *Integrator {
	return &Integrator{fs: fs, unpacker: unpacker, tmpDir: tmpDir}
}

// Integrate unpacks each package in turn and copies its firmware files into target keeping
// their relative path. Later packages overwrite files of earlier ones. Any unpack or copy
// failure aborts the whole integration.
func (i *Integrator) Integrate(ctx context.Context, packages []string, target string) error {
	if len(packages) == 0 {
		internal.Log.Logger.Info().Msg("No firmware packages to integrate")
		return nil
	}
	if err := utils.MkdirAll(i.fs, target, constants.DirPerm); err != nil {
		return fmt.Errorf("%w: %w", ErrFirmwareIntegration, err)
	}

	total := 0
	for _, pkg := range packages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrFirmwareIntegration, err)
		}
		n, err := i.integrateOne(ctx, pkg, target)
		if err != nil {
			internal.Log.Logger.Error().Err(err).Str("package", pkg).Msg("Failed to integrate package")
			return fmt.Errorf("%w: %s: %w", ErrFirmwareIntegration, filepath.Base(pkg), err)
		}
		internal.Log.Logger.Debug().Str("package", filepath.Base(pkg)).Int("files", n).Msg("Integrated package")
		total += n
	}

	size, _ := utils.DirSize(i.fs, target)
	internal.Log.Logger.Info().
		Int("packages", len(packages)).
		Int("files", total).
		Str("size", fmt.Sprintf("%.1fMiB", float64(size)/float64(constants.MB))).
		Str("target", target).
		Msg("Firmware integrated")
	return nil
}

func (i *Integrator) integrateOne(ctx context.Context, pkg, target string) (copied int, err error) {
	tmp, err := utils.TempDir(i.fs, i.tmpDir, constants.UnpackDirPrefix)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := i.fs.RemoveAll(tmp); rerr != nil {
			internal.Log.Logger.Warn().Err(rerr).Str("dir", tmp).Msg("Could not remove extraction dir")
		}
	}()

	if err := i.unpacker.Unpack(ctx, pkg, tmp); err != nil {
		return 0, err
	}

	for _, payload := range constants.FirmwarePayloadDirs() {
		src := filepath.Join(tmp, payload)
		if ok, _ := utils.IsDir(i.fs, src); !ok {
			continue
		}
		n, err := utils.CopyRegularFiles(i.fs, src, target)
		if err != nil {
			return copied, err
		}
		copied += n
	}
	return copied, nil
}
