package cmd

import (
	"os"
	"path/filepath"

	"github.com/kairos-io/firmforge/pkg/constants"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// restoreEnv puts key back the way it was once the test is done
func restoreEnv(key string) {
	old, had := os.LookupEnv(key)
	DeferCleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func setEnv(key, value string) {
	restoreEnv(key)
	Expect(os.Setenv(key, value)).To(Succeed())
}

func unsetEnv(key string) {
	restoreEnv(key)
	Expect(os.Unsetenv(key)).To(Succeed())
}

var _ = Describe("ReadConfig", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		for _, b := range envBindings {
			unsetEnv(b.env)
		}
		for _, b := range boolEnvBindings {
			unsetEnv(b.env)
		}
		unsetEnv(archEnv)
	})

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		Expect(os.WriteFile(path, []byte(content), constants.FilePerm)).To(Succeed())
		return path
	}

	It("returns the defaults without a file", func() {
		cfg, err := ReadConfig("", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.ProxmoxVersion).To(Equal(constants.DefaultProxmoxVersion))
		Expect(cfg.DebianRelease).To(Equal(constants.DefaultDebianRelease))
		Expect(cfg.BuildArch).To(Equal([]string{"amd64", "arm64"}))
		Expect(cfg.IncludeNvidia).To(BeTrue())
		Expect(cfg.ExtractMethod).To(Equal(constants.ExtractMount))
		Expect(cfg.FetchParallelism).To(Equal(constants.DefaultParallelism))
	})

	It("reads a yaml file", func() {
		file := write("build.yaml", `
proxmox_version: "8.4"
debian_release: bookworm
include_nvidia: false
build_arch: ["x86_64"]
output_dir: /tmp/out
extract_method: iso9660
`)
		cfg, err := ReadConfig(file, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.ProxmoxVersion).To(Equal("8.4"))
		Expect(cfg.DebianRelease).To(Equal("bookworm"))
		Expect(cfg.IncludeNvidia).To(BeFalse())
		Expect(cfg.IncludeAMD).To(BeTrue())
		Expect(cfg.BuildArch).To(Equal([]string{"amd64"}))
		Expect(cfg.OutputDir).To(Equal("/tmp/out"))
		Expect(cfg.ExtractMethod).To(Equal(constants.ExtractISO9660))
		Expect(cfg.WorkDir).To(Equal(constants.DefaultWorkDir))
	})

	It("reads a json file", func() {
		file := write("build.json", `{"proxmox_version": "9.0", "include_intel": false}`)
		cfg, err := ReadConfig(file, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.ProxmoxVersion).To(Equal("9.0"))
		Expect(cfg.IncludeIntel).To(BeFalse())
	})

	It("rejects other formats", func() {
		file := write("build.toml", `proxmox_version = "9.0"`)
		_, err := ReadConfig(file, nil)
		Expect(err).To(MatchError(ContainSubstring("unsupported config format")))
	})

	It("fails on a missing file", func() {
		_, err := ReadConfig(filepath.Join(dir, "nope.yaml"), nil)
		Expect(err).To(HaveOccurred())
	})

	It("lets the environment override the file", func() {
		file := write("build.yaml", "proxmox_version: \"8.4\"\ninclude_amd: true\n")
		setEnv("PROXMOX_VERSION", "9.1")
		setEnv("INCLUDE_AMD", "no")
		setEnv("INCLUDE_NVIDIA", "0")
		setEnv("BUILD_ARCH", "amd64, aarch64")
		setEnv("FIRMWARE_CATALOG", "/etc/catalog.yaml")

		cfg, err := ReadConfig(file, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.ProxmoxVersion).To(Equal("9.1"))
		Expect(cfg.IncludeAMD).To(BeFalse())
		Expect(cfg.IncludeNvidia).To(BeFalse())
		Expect(cfg.IncludeIntel).To(BeTrue())
		Expect(cfg.BuildArch).To(Equal([]string{"amd64", "arm64"}))
		Expect(cfg.CatalogFile).To(Equal("/etc/catalog.yaml"))
	})

	It("lets overrides win over everything", func() {
		setEnv("DEBIAN_RELEASE", "bookworm")
		cfg, err := ReadConfig("", map[string]interface{}{
			"debian_release":    "trixie",
			"build_arch":        []string{"arm64"},
			"fetch_parallelism": 2,
			"sudo":              true,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.DebianRelease).To(Equal("trixie"))
		Expect(cfg.BuildArch).To(Equal([]string{"arm64"}))
		Expect(cfg.FetchParallelism).To(Equal(2))
		Expect(cfg.Sudo).To(BeTrue())
	})

	It("returns validation errors", func() {
		_, err := ReadConfig("", map[string]interface{}{
			"build_arch":     []string{"riscv64"},
			"extract_method": "magic",
		})
		Expect(err).To(MatchError(ContainSubstring("invalid arch")))
		Expect(err).To(MatchError(ContainSubstring("unknown extract_method")))
	})
})

var _ = Describe("splitList", func() {
	It("drops blanks and trims", func() {
		Expect(splitList(" amd64,, arm64 ,")).To(Equal([]string{"amd64", "arm64"}))
		Expect(splitList("")).To(BeEmpty())
	})
})
