package deployer

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/firmware"
	"github.com/kairos-io/firmforge/pkg/microcode"
	"github.com/kairos-io/firmforge/pkg/ops"
	"github.com/kairos-io/firmforge/pkg/schema"
)

var (
	ErrAcquisition    = errors.New("base image acquisition failed")
	ErrExtraction     = errors.New("base image extraction failed")
	ErrBootValidation = errors.New("boot validation failed")
	ErrRemaster       = errors.New("remaster failed")

	// ErrNotExtracted is returned by anything that needs the extraction root before it exists
	ErrNotExtracted = errors.New("image not extracted yet")
	// ErrInvalidTransition means an op ran while the build was not in the state it expects
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is the build progress. Builds only move forward, one state at a time.
type State int

const (
	StateInit State = iota
	StateAcquired
	StateExtracted
	StateFirmwareFetched
	StateFirmwareIntegrated
	StateMicrocodeBuilt
	StateAuxiliaryStaged
	StateValidated
	StateRemastered
)

var stateNames = [...]string{
	"init",
	"acquired",
	"extracted",
	"firmware-fetched",
	"firmware-integrated",
	"microcode-built",
	"auxiliary-staged",
	"validated",
	"remastered",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Workspace is the on disk state of one build
type Workspace struct {
	Image     string
	Results   []firmware.VendorResult
	Microcode microcode.Result
	Helper    string
	Assets    ops.BootAssets
	Output    string

	root string
}

// Root returns the extraction root, ErrNotExtracted until extraction succeeded
func (w *Workspace) Root() (string, error) {
	if w.root == "" {
		return "", ErrNotExtracted
	}
	return w.root, nil
}

func (w *Workspace) FirmwareDir() (string, error) {
	root, err := w.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, constants.FirmwareDir), nil
}

func (w *Workspace) Initrd() (string, error) {
	root, err := w.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, constants.InitrdPath), nil
}

// Packages lists the fetched package files of every successful vendor, in fetch order
func (w *Workspace) Packages() []string {
	var pkgs []string
	for _, r := range w.Results {
		if r.OK() {
			pkgs = append(pkgs, r.Packages...)
		}
	}
	return pkgs
}

// Vendors lists the vendors whose packages made it into the build
func (w *Workspace) Vendors() []schema.Vendor {
	var vendors []schema.Vendor
	for _, r := range w.Results {
		if r.OK() {
			vendors = append(vendors, r.Vendor)
		}
	}
	return vendors
}
