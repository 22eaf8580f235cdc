package deployer

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/firmware"
	"github.com/kairos-io/firmforge/pkg/ops"
	"github.com/kairos-io/firmforge/pkg/perf"
	"github.com/kairos-io/firmforge/pkg/schema"
	"github.com/kairos-io/kairos-agent/v2/pkg/config"
	"github.com/kairos-io/kairos-sdk/types/runner"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v5"
)

// Deployer drives one build through the op graph. Every op moves the build one state forward.
type Deployer struct {
	*herd.Graph
	Config    schema.BuildConfig
	Workspace *Workspace
	Tracker   *perf.Tracker

	FS         vfs.FS
	Runner     runner.Runner
	Fetcher    *firmware.Fetcher
	Integrator *firmware.Integrator
	Extractor  ops.Extractor

	catalog    *firmware.Catalog
	downloader firmware.Downloader
	unpacker   firmware.Unpacker
	download   func(ctx context.Context, url, dst string) (string, error)

	mu     sync.Mutex
	state  State
	failed bool
}

type Option func(d *Deployer)

func WithFS(fs vfs.FS) Option {
	return func(d *Deployer) { d.FS = fs }
}

func WithRunner(r runner.Runner) Option {
	return func(d *Deployer) { d.Runner = r }
}

func WithTracker(t *perf.Tracker) Option {
	return func(d *Deployer) { d.Tracker = t }
}

func WithCatalog(c *firmware.Catalog) Option {
	return func(d *Deployer) { d.catalog = c }
}

func WithDownloader(dl firmware.Downloader) Option {
	return func(d *Deployer) { d.downloader = dl }
}

func WithUnpacker(u firmware.Unpacker) Option {
	return func(d *Deployer) { d.unpacker = u }
}

// WithExtractor forces an extractor instead of the one picked by extract_method
func WithExtractor(x ops.Extractor) Option {
	return func(d *Deployer) { d.Extractor = x }
}

// NewDeployer wires the build collaborators. Anything not given as an option gets the
// production default: the OS filesystem, the agent runner, apt-get and dpkg-deb.
func NewDeployer(cfg schema.BuildConfig, opts ...Option) *Deployer {
	d := &Deployer{
		Graph:     herd.DAG(),
		Config:    cfg,
		Workspace: &Workspace{},
		download:  ops.Download,
		state:     StateInit,
	}
	for _, o := range opts {
		o(d)
	}

	if d.FS == nil {
		d.FS = vfs.OSFS
	}
	if d.Runner == nil {
		d.Runner = config.NewConfig(config.WithLogger(internal.Log)).Runner
	}
	if d.Tracker == nil {
		d.Tracker = perf.NewTracker()
	}
	if d.catalog == nil {
		d.catalog = firmware.DefaultCatalog()
	}
	if d.downloader == nil {
		d.downloader = firmware.PackageDownloader{Runner: d.Runner}
	}
	if d.unpacker == nil {
		d.unpacker = firmware.DebUnpacker{Runner: d.Runner}
	}
	d.Fetcher = firmware.NewFetcher(d.FS, cfg, d.catalog, d.downloader)
	d.Integrator = firmware.NewIntegrator(d.FS, d.unpacker, cfg.WorkDir)
	return d
}

func (d *Deployer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// fail marks the build as failed, no later transition runs
func (d *Deployer) fail(err error) error {
	d.mu.Lock()
	d.failed = true
	d.mu.Unlock()
	return err
}

// transition runs fn only when the build is in state from and moves it to state to on success
func (d *Deployer) transition(from, to State, stage string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		d.mu.Lock()
		current, failed := d.state, d.failed
		d.mu.Unlock()
		if failed {
			return fmt.Errorf("%w: %s -> %s skipped after an earlier failure", ErrInvalidTransition, from, to)
		}
		if current != from {
			return fmt.Errorf("%w: %s -> %s while %s", ErrInvalidTransition, from, to, current)
		}
		internal.Log.Logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Build step starting")

		stop := d.Tracker.Track(to.String(), stage)
		err := fn(ctx)
		stop()
		if err != nil {
			internal.Log.Logger.Error().Err(err).Str("state", from.String()).Msg("Build step failed")
			return d.fail(err)
		}

		d.mu.Lock()
		d.state = to
		d.mu.Unlock()
		return nil
	}
}

// extractor returns the configured extraction strategy
func (d *Deployer) extractor() ops.Extractor {
	if d.Extractor != nil {
		return d.Extractor
	}
	if d.Config.ExtractMethod == constants.ExtractISO9660 {
		return ops.ISO9660Extractor{FS: d.FS}
	}
	return ops.MountExtractor{FS: d.FS, Runner: d.Runner, MountPoint: d.Config.MountPoint(), Sudo: d.Config.Sudo}
}

// CollectErrors returns the errors of every failed op
func (d *Deployer) CollectErrors() error {
	var err *multierror.Error
	for _, layer := range d.Analyze() {
		for _, op := range layer {
			if op.Error != nil {
				err = multierror.Append(err, op.Error)
			}
		}
	}
	return err.ErrorOrNil()
}

// WriteDag logs the op graph, layer by layer
func (d *Deployer) WriteDag() {
	for i, layer := range d.Analyze() {
		for _, op := range layer {
			ev := internal.Log.Logger.Debug().Int("layer", i+1).Str("op", op.Name).Bool("background", op.Background)
			if op.Error != nil {
				ev = ev.Err(op.Error)
			}
			ev.Msg("Build graph")
		}
	}
}
