package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/microcode"
	"github.com/twpayne/go-vfs/v5"
	"github.com/urfave/cli/v2"
)

// EarlyMicrocodeCmd runs only the microcode step against an already extracted tree
var EarlyMicrocodeCmd = cli.Command{
	Name:    "early-microcode",
	Aliases: []string{"ucode"},
	Usage:   "Prepends the Intel and AMD microcode found in a firmware dir to an initrd",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "firmware",
			Usage:    "Firmware dir containing intel-ucode and/or amd-ucode",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "initrd",
			Usage:    "Initrd to prepend the early microcode archive to",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "work-dir",
			Usage: "Where the archive is assembled (defaults to a temporary dir)",
		},
	},
	Action: func(ctx *cli.Context) error {
		fwDir := ctx.String("firmware")
		if fi, err := os.Stat(fwDir); err != nil || !fi.IsDir() {
			return fmt.Errorf("firmware dir %s does not exist", fwDir)
		}

		workDir := ctx.String("work-dir")
		if workDir == "" {
			tmp, err := os.MkdirTemp("", "firmforge-ucode-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)
			workDir = filepath.Join(tmp, constants.MicrocodeWorkDir)
		}

		res, err := microcode.Assemble(vfs.OSFS, workDir, fwDir, ctx.String("initrd"))
		if err != nil {
			return err
		}
		switch {
		case len(res.Vendors) == 0:
			return errors.New("no microcode found")
		case !res.Prepended:
			return fmt.Errorf("initrd %s not found", ctx.String("initrd"))
		}
		fmt.Fprintf(ctx.App.Writer, "prepended %s microcode to %s\n", strings.Join(res.Vendors, ", "), ctx.String("initrd"))
		return nil
	},
}
