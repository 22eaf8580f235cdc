package deployer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/microcode"
	"github.com/kairos-io/firmforge/pkg/ops"
	"github.com/kairos-io/firmforge/pkg/schema"
	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/spectrocloud-labs/herd"
)

const (
	stageSetup     = "setup"
	stageDownload  = "download"
	stageExtract   = "extract"
	stageFirmware  = "firmware"
	stageMicrocode = "microcode"
	stageAuxiliary = "auxiliary"
	stageValidate  = "validate"
	stageRemaster  = "remaster"
)

func (d *Deployer) StepPrepareDirs() error {
	return d.Add(constants.OpPrepareDirs, herd.WithCallback(func(ctx context.Context) error {
		stop := d.Tracker.Track(constants.OpPrepareDirs, stageSetup)
		defer stop()

		if err := d.Config.Validate(); err != nil {
			return d.fail(fmt.Errorf("invalid build config: %w", err))
		}
		var err *multierror.Error
		for _, dir := range []string{d.Config.WorkDir, d.Config.OutputDir, d.Config.FirmwareCache} {
			err = multierror.Append(err, utils.MkdirAll(d.FS, dir, constants.DirPerm))
		}
		if err.ErrorOrNil() != nil {
			return d.fail(err)
		}
		return nil
	}))
}

func (d *Deployer) StepAcquireImage() error {
	return d.Add(constants.OpAcquireImage,
		herd.WithWeakDeps(constants.OpPrepareDirs),
		herd.WithCallback(d.transition(StateInit, StateAcquired, stageDownload, d.acquire)))
}

func (d *Deployer) acquire(ctx context.Context) error {
	img := d.Config.ImagePath()
	if ok, _ := utils.Exists(d.FS, img); ok {
		internal.Log.Logger.Info().Str("image", img).Msg("Reusing cached base image")
		d.Workspace.Image = img
		return nil
	}

	raw, err := d.FS.RawPath(img)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAcquisition, err)
	}
	if _, err := d.download(ctx, d.Config.ImageSource(), raw); err != nil {
		return fmt.Errorf("%w: %w", ErrAcquisition, err)
	}
	d.Workspace.Image = img
	return nil
}

func (d *Deployer) StepExtractImage() error {
	return d.Add(constants.OpExtractImage,
		herd.WithWeakDeps(constants.OpAcquireImage),
		herd.WithCallback(d.transition(StateAcquired, StateExtracted, stageExtract, d.extract)))
}

func (d *Deployer) extract(ctx context.Context) error {
	root := d.Config.ExtractRoot()
	if err := d.removeStaleRoot(root); err != nil {
		return fmt.Errorf("%w: removing stale %s: %w", ErrExtraction, root, err)
	}
	if err := d.extractor().Extract(ctx, d.Workspace.Image, root); err != nil {
		return fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	d.Workspace.root = root
	internal.Log.Logger.Info().Str("root", root).Msg("Base image extracted")
	return nil
}

// removeStaleRoot clears a previous extraction. Trees copied with cp -a as root may need sudo.
func (d *Deployer) removeStaleRoot(root string) error {
	err := d.FS.RemoveAll(root)
	if err == nil || !d.Config.Sudo {
		return err
	}
	out, rerr := utils.RunPrivileged(d.Runner, true, "rm", "-rf", root)
	if rerr != nil {
		utils.LogOutput(internal.Log, "rm", out)
		return rerr
	}
	return nil
}

func (d *Deployer) StepFetchFirmware() error {
	return d.Add(constants.OpFetchFirmware,
		herd.WithWeakDeps(constants.OpExtractImage),
		herd.WithCallback(d.transition(StateExtracted, StateFirmwareFetched, stageFirmware, d.fetch)))
}

func (d *Deployer) fetch(ctx context.Context) error {
	if _, err := d.Workspace.Root(); err != nil {
		return err
	}
	for _, v := range d.Config.EnabledVendors() {
		res := d.Fetcher.FetchVendor(ctx, v)
		d.Workspace.Results = append(d.Workspace.Results, res)
		if res.OK() {
			internal.Log.Logger.Info().Str("vendor", v.String()).Int("packages", len(res.Packages)).Msg("Vendor firmware fetched")
			continue
		}
		if v == schema.VendorFreeware {
			return res.Err
		}
		internal.Log.Logger.Warn().Err(res.Err).Str("vendor", v.String()).Msg("Skipping vendor firmware")
	}
	return nil
}

func (d *Deployer) StepIntegrateFirmware() error {
	return d.Add(constants.OpIntegrateFirmware,
		herd.WithWeakDeps(constants.OpFetchFirmware),
		herd.WithCallback(d.transition(StateFirmwareFetched, StateFirmwareIntegrated, stageFirmware, d.integrate)))
}

func (d *Deployer) integrate(ctx context.Context) error {
	target, err := d.Workspace.FirmwareDir()
	if err != nil {
		return err
	}
	return d.Integrator.Integrate(ctx, d.Workspace.Packages(), target)
}

func (d *Deployer) StepBuildMicrocode() error {
	return d.Add(constants.OpBuildMicrocode,
		herd.WithWeakDeps(constants.OpIntegrateFirmware),
		herd.WithCallback(d.transition(StateFirmwareIntegrated, StateMicrocodeBuilt, stageMicrocode, d.buildMicrocode)))
}

func (d *Deployer) buildMicrocode(_ context.Context) error {
	fwDir, err := d.Workspace.FirmwareDir()
	if err != nil {
		return err
	}
	initrd, _ := d.Workspace.Initrd()
	if !d.Config.TargetsX86() {
		internal.Log.Logger.Info().Strs("arch", d.Config.BuildArch).Msg("No x86 target, skipping early microcode")
		return nil
	}

	res, err := microcode.Assemble(d.FS, d.Config.WorkPath(constants.MicrocodeWorkDir), fwDir, initrd)
	if err != nil {
		internal.Log.Logger.Warn().Err(err).Msg("Could not build early microcode, continuing without it")
		return nil
	}
	d.Workspace.Microcode = res
	return nil
}

func (d *Deployer) StepStageHelper() error {
	return d.Add(constants.OpStageHelper,
		herd.WithWeakDeps(constants.OpBuildMicrocode),
		herd.WithCallback(d.transition(StateMicrocodeBuilt, StateAuxiliaryStaged, stageAuxiliary, d.stageHelper)))
}

func (d *Deployer) stageHelper(_ context.Context) error {
	root, err := d.Workspace.Root()
	if err != nil {
		return err
	}
	src, err := ops.StageHelperScript(d.FS, constants.HelperScriptCandidates(d.Config.HelperScript), root)
	if err != nil {
		internal.Log.Logger.Warn().Err(err).Msg("Helper script not staged")
		return nil
	}
	d.Workspace.Helper = filepath.Join(root, constants.HelperScriptName)
	internal.Log.Logger.Info().Str("source", src).Str("target", d.Workspace.Helper).Msg("Helper script staged")
	return nil
}

func (d *Deployer) StepValidateBoot() error {
	return d.Add(constants.OpValidateBoot,
		herd.WithWeakDeps(constants.OpStageHelper),
		herd.WithCallback(d.transition(StateAuxiliaryStaged, StateValidated, stageValidate, d.validate)))
}

func (d *Deployer) validate(_ context.Context) error {
	root, err := d.Workspace.Root()
	if err != nil {
		return err
	}
	assets, err := ops.ValidateBootAssets(d.FS, root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootValidation, err)
	}
	d.Workspace.Assets = assets
	return nil
}

func (d *Deployer) StepRemasterImage() error {
	return d.Add(constants.OpRemasterImage,
		herd.WithWeakDeps(constants.OpValidateBoot),
		herd.WithCallback(d.transition(StateValidated, StateRemastered, stageRemaster, d.remaster)))
}

func (d *Deployer) remaster(_ context.Context) error {
	root, err := d.Workspace.Root()
	if err != nil {
		return err
	}
	out := d.Config.OutputPath()
	err = ops.Remaster(d.FS, d.Runner, ops.RemasterOptions{
		Root:   root,
		Output: out,
		Label:  d.Config.Label(),
		Assets: d.Workspace.Assets,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemaster, err)
	}
	d.Workspace.Output = out

	ev := internal.Log.Logger.Info().Str("output", out).Bool("uefi", d.Workspace.Assets.UEFI()).Bool("bios", d.Workspace.Assets.LegacyBIOS())
	if info, err := d.FS.Stat(out); err == nil {
		ev = ev.Str("size", fmt.Sprintf("%.1fMiB", float64(info.Size())/float64(constants.MB)))
	}
	ev.Msg("Image remastered")
	return nil
}
