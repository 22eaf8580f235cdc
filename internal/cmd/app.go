package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/firmforge/deployer"
	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/firmware"
	"github.com/kairos-io/firmforge/pkg/perf"
	"github.com/kairos-io/firmforge/pkg/schema"
	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/kairos-io/kairos-sdk/types/logger"
	"github.com/twpayne/go-vfs/v5"
	"github.com/urfave/cli/v2"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Build config file (yaml or json)",
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "Load KEY=VALUE pairs into the environment before reading the config",
		},
		&cli.StringFlag{
			Name:  "proxmox-version",
			Usage: "Installer version to remaster",
		},
		&cli.StringFlag{
			Name:  "debian-release",
			Usage: "Debian release firmware packages are downloaded from",
		},
		&cli.BoolFlag{
			Name:  "no-nvidia",
			Usage: "Do not include NVIDIA firmware",
		},
		&cli.BoolFlag{
			Name:  "no-amd",
			Usage: "Do not include AMD firmware and microcode",
		},
		&cli.BoolFlag{
			Name:  "no-intel",
			Usage: "Do not include Intel firmware and microcode",
		},
		&cli.StringSliceFlag{
			Name:    "arch",
			Aliases: []string{"a"},
			Usage:   "Target architectures (amd64, arm64). Can be repeated or comma separated",
		},
		&cli.StringFlag{
			Name:  "iso-url",
			Usage: "Download the base image from this URL instead of the default mirror",
		},
		&cli.StringFlag{
			Name:  "output-dir",
			Usage: "Directory for the remastered image",
		},
		&cli.StringFlag{
			Name:  "work-dir",
			Usage: "Directory for the base image and the extracted tree",
		},
		&cli.StringFlag{
			Name:  "cache-dir",
			Usage: "Directory where firmware packages are cached between runs",
		},
		&cli.StringFlag{
			Name:  "catalog",
			Usage: "Firmware catalog file mapping vendors to packages",
		},
		&cli.StringFlag{
			Name:  "extract-method",
			Usage: "How to extract the base image: mount or iso9660",
		},
		&cli.StringFlag{
			Name:  "helper-script",
			Usage: "Helper script copied into the image root",
		},
		&cli.StringFlag{
			Name:  "label",
			Usage: "Volume label of the remastered image",
		},
		&cli.StringFlag{
			Name:  "output-name",
			Usage: "File name of the remastered image",
		},
		&cli.BoolFlag{
			Name:  "sudo",
			Usage: "Run mount, cp and umount through sudo",
		},
		&cli.BoolFlag{
			Name:  "force-refresh",
			Usage: "Download firmware packages even if they are cached",
		},
		&cli.IntFlag{
			Name:  "parallelism",
			Usage: "Number of firmware packages downloaded at once",
		},
		&cli.StringFlag{
			Name:  "report",
			Usage: "Write the build timings as JSON to this file",
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "Write the build timings in the Prometheus text format to this file",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
	}
}

func GetApp(version string) *cli.App {
	return &cli.App{
		Name:     "firmforge",
		Version:  version,
		Authors:  []*cli.Author{{Name: "Kairos authors", Email: "members@kairos.io"}},
		Usage:    "firmforge",
		Commands: []*cli.Command{&BuildCmd, &CatalogCmd, &EarlyMicrocodeCmd},
		Flags:    globalFlags(),
		Description: "firmforge remasters the Proxmox VE installer with the Debian non-free firmware and " +
			"early CPU microcode, so the installer boots and installs on hardware that needs them.",
		Copyright: "Kairos authors",
		Before:    setup,
		Action:    build,
	}
}

// setup configures logging and loads the env file before any command runs
func setup(ctx *cli.Context) error {
	level := "info"
	if ctx.Bool("debug") {
		level = "debug"
	}
	internal.Log = logger.NewKairosLogger("firmforge", level, false)
	return utils.LoadEnvFile(ctx.String("env-file"))
}

var BuildCmd = cli.Command{
	Name:    "build",
	Aliases: []string{"b"},
	Usage:   "Builds the remastered installer image (default command)",
	Action:  build,
}

func build(ctx *cli.Context) error {
	cfg, err := ReadConfig(ctx.String("config"), flagOverrides(ctx))
	if err != nil {
		return err
	}
	if cfg.ExtractMethod == constants.ExtractMount && !cfg.Sudo {
		if err := CheckRoot(); err != nil {
			return fmt.Errorf("%w, use --sudo or --extract-method %s", err, constants.ExtractISO9660)
		}
	}
	catalog, err := firmware.LoadCatalog(vfs.OSFS, cfg.CatalogFile)
	if err != nil {
		return err
	}

	tracker := perf.NewTracker()
	internal.Log.Logger.Info().
		Str("version", cfg.ProxmoxVersion).
		Str("release", cfg.DebianRelease).
		Strs("arch", cfg.BuildArch).
		Str("catalog", catalog.Source()).
		Str("run", tracker.RunID()).
		Msg("Starting build")

	d := deployer.NewDeployer(*cfg, deployer.WithTracker(tracker), deployer.WithCatalog(catalog))
	if err := deployer.RegisterAll(d); err != nil {
		return err
	}
	d.WriteDag()

	runErr := d.Run(ctx.Context)
	if runErr == nil {
		runErr = d.CollectErrors()
	}
	if err := writeTelemetry(ctx, tracker); err != nil {
		internal.Log.Logger.Warn().Err(err).Msg("Could not write build telemetry")
	}
	if runErr != nil {
		return runErr
	}

	summary, err := tracker.Render()
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, summary)
	internal.Log.Logger.Info().Str("output", d.Workspace.Output).Msg("Build finished")
	return nil
}

func writeTelemetry(ctx *cli.Context, tracker *perf.Tracker) error {
	var result *multierror.Error
	if path := ctx.String("report"); path != "" {
		f, err := os.Create(path)
		if err == nil {
			err = tracker.WriteJSON(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
		result = multierror.Append(result, err)
	}
	if path := ctx.String("metrics-file"); path != "" {
		result = multierror.Append(result, tracker.WriteTextfile(path))
	}
	return result.ErrorOrNil()
}

var CatalogCmd = cli.Command{
	Name:  "catalog",
	Usage: "Shows the firmware packages each vendor resolves to",
	Action: func(ctx *cli.Context) error {
		cfg, err := ReadConfig(ctx.String("config"), flagOverrides(ctx))
		if err != nil {
			return err
		}
		catalog, err := firmware.LoadCatalog(vfs.OSFS, cfg.CatalogFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "source: %s\n", catalog.Source())
		for _, v := range schema.Vendors() {
			names, err := catalog.Names(v)
			if err != nil {
				return err
			}
			state := "enabled"
			if !cfg.Includes(v) {
				state = "disabled"
			}
			fmt.Fprintf(ctx.App.Writer, "%s (%s): %s\n", v, state, strings.Join(names, ", "))
		}
		return nil
	},
}

// CheckRoot is a helper which can add it to commands that require root
func CheckRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("this command requires root privileges")
	}
	return nil
}
