package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/schema"
	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/sanity-io/litter"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"golang.org/x/mod/semver"
)

type envBinding struct {
	key string
	env string
}

// Environment variables understood on top of the config file
var envBindings = []envBinding{
	{"proxmox_version", "PROXMOX_VERSION"},
	{"debian_release", "DEBIAN_RELEASE"},
	{"output_dir", "OUTPUT_DIR"},
	{"work_dir", "WORK_DIR"},
	{"firmware_cache", "FIRMWARE_CACHE"},
	{"iso_url", "ISO_URL"},
	{"catalog_file", "FIRMWARE_CATALOG"},
}

var boolEnvBindings = []envBinding{
	{"include_nvidia", "INCLUDE_NVIDIA"},
	{"include_amd", "INCLUDE_AMD"},
	{"include_intel", "INCLUDE_INTEL"},
}

const archEnv = "BUILD_ARCH"

func setDefaults(v *viper.Viper) {
	def := schema.DefaultBuildConfig()
	v.SetDefault("proxmox_version", def.ProxmoxVersion)
	v.SetDefault("debian_release", def.DebianRelease)
	v.SetDefault("include_nvidia", def.IncludeNvidia)
	v.SetDefault("include_amd", def.IncludeAMD)
	v.SetDefault("include_intel", def.IncludeIntel)
	v.SetDefault("build_arch", def.BuildArch)
	v.SetDefault("output_dir", def.OutputDir)
	v.SetDefault("work_dir", def.WorkDir)
	v.SetDefault("firmware_cache", def.FirmwareCache)
	v.SetDefault("catalog_file", def.CatalogFile)
	v.SetDefault("extract_method", def.ExtractMethod)
	v.SetDefault("fetch_parallelism", def.FetchParallelism)
}

// ReadConfig layers defaults, the config file, the environment and overrides, in that order,
// and returns the validated result. Overrides are keyed like the config file.
func ReadConfig(file string, overrides map[string]interface{}) (*schema.BuildConfig, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		switch strings.ToLower(filepath.Ext(file)) {
		case ".yaml", ".yml", ".json":
		default:
			return nil, fmt.Errorf("unsupported config format %q, expected yaml or json", filepath.Ext(file))
		}
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
		internal.Log.Logger.Debug().Str("file", v.ConfigFileUsed()).Msg("Config file loaded")
	}

	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, err
		}
	}
	// viper only knows true/false style booleans
	for _, b := range boolEnvBindings {
		if val, ok := os.LookupEnv(b.env); ok {
			v.Set(b.key, utils.IsTruthy(val))
		}
	}
	if val, ok := os.LookupEnv(archEnv); ok {
		v.Set("build_arch", splitList(val))
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	cfg := &schema.BuildConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !semver.IsValid("v" + cfg.ProxmoxVersion) {
		internal.Log.Logger.Warn().Str("version", cfg.ProxmoxVersion).Msg("Unusual installer version, the download URL may not exist")
	}
	internal.Log.Logger.Debug().Msg(litter.Sdump(cfg))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// flagOverrides turns the flags explicitly set on the command line into config overrides
func flagOverrides(ctx *cli.Context) map[string]interface{} {
	o := map[string]interface{}{}
	for flag, key := range map[string]string{
		"proxmox-version": "proxmox_version",
		"debian-release":  "debian_release",
		"output-dir":      "output_dir",
		"work-dir":        "work_dir",
		"cache-dir":       "firmware_cache",
		"iso-url":         "iso_url",
		"catalog":         "catalog_file",
		"extract-method":  "extract_method",
		"helper-script":   "helper_script",
		"label":           "volume_label",
		"output-name":     "output_name",
	} {
		if ctx.IsSet(flag) {
			o[key] = ctx.String(flag)
		}
	}
	for flag, key := range map[string]string{
		"no-nvidia": "include_nvidia",
		"no-amd":    "include_amd",
		"no-intel":  "include_intel",
	} {
		if ctx.IsSet(flag) {
			o[key] = !ctx.Bool(flag)
		}
	}
	for flag, key := range map[string]string{
		"sudo":          "sudo",
		"force-refresh": "force_refresh",
	} {
		if ctx.IsSet(flag) {
			o[key] = ctx.Bool(flag)
		}
	}
	if ctx.IsSet("arch") {
		var archs []string
		for _, a := range ctx.StringSlice("arch") {
			archs = append(archs, splitList(a)...)
		}
		o["build_arch"] = archs
	}
	if ctx.IsSet("parallelism") {
		o["fetch_parallelism"] = ctx.Int("parallelism")
	}
	return o
}
