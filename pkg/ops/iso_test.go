package ops_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kairos-io/firmforge/pkg/constants"
	"github.com/kairos-io/firmforge/pkg/ops"
	"github.com/kairos-io/firmforge/pkg/utils"
	v1mock "github.com/kairos-io/kairos-agent/v2/tests/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v5/vfst"
)

const isohdpfx = "/usr/lib/ISOLINUX/isohdpfx.bin"

var _ = Describe("ISO", Label("iso"), func() {
	var fs *vfst.TestFS
	var cleanup func()
	var runner *v1mock.FakeRunner

	BeforeEach(func() {
		runner = v1mock.NewFakeRunner()
		cleanup = func() {}
	})
	AfterEach(func() { cleanup() })

	Describe("MountExtractor", func() {
		BeforeEach(func() {
			var err error
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/work/pve.iso": "ISO",
			})
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("mounts, copies and unmounts with sudo", func() {
			x := ops.MountExtractor{FS: fs, Runner: runner, MountPoint: "/work/iso_mount", Sudo: true}
			Expect(x.Extract(context.Background(), "/work/pve.iso", "/work/iso_root")).To(Succeed())
			Expect(runner.CmdsMatch([][]string{
				{"sudo", "mount", "-o", "loop,ro", "/work/pve.iso", "/work/iso_mount"},
				{"sudo", "cp", "-a", "/work/iso_mount/.", "/work/iso_root"},
				{"sudo", "umount", "/work/iso_mount"},
				{"sudo", "chmod", "-R", "u+w", "/work/iso_root"},
				{"sudo", "chown", "-R", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), "/work/iso_root"},
			})).To(BeNil())
			ok, _ := utils.Exists(fs, "/work/iso_mount")
			Expect(ok).To(BeFalse())
		})

		It("does not chown without sudo", func() {
			x := ops.MountExtractor{FS: fs, Runner: runner, MountPoint: "/work/iso_mount"}
			Expect(x.Extract(context.Background(), "/work/pve.iso", "/work/iso_root")).To(Succeed())
			Expect(runner.IncludesCmds([][]string{{"chown"}})).ToNot(BeNil())
			Expect(runner.IncludesCmds([][]string{{"mount", "-o", "loop,ro"}})).To(BeNil())
		})

		It("stops when the mount fails", func() {
			runner.SideEffect = func(cmd string, args ...string) ([]byte, error) {
				if cmd == "mount" {
					return []byte("mount: only root can do that"), errors.New("exit status 1")
				}
				return nil, nil
			}
			x := ops.MountExtractor{FS: fs, Runner: runner, MountPoint: "/work/iso_mount"}
			err := x.Extract(context.Background(), "/work/pve.iso", "/work/iso_root")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("mount"))
			Expect(runner.IncludesCmds([][]string{{"cp"}})).ToNot(BeNil())
		})

		It("unmounts even when the copy fails", func() {
			runner.SideEffect = func(cmd string, args ...string) ([]byte, error) {
				if cmd == "cp" {
					return []byte("cp: No space left on device"), errors.New("exit status 1")
				}
				return nil, nil
			}
			x := ops.MountExtractor{FS: fs, Runner: runner, MountPoint: "/work/iso_mount"}
			err := x.Extract(context.Background(), "/work/pve.iso", "/work/iso_root")
			Expect(err).To(HaveOccurred())
			Expect(runner.IncludesCmds([][]string{{"umount", "/work/iso_mount"}})).To(BeNil())
			Expect(runner.IncludesCmds([][]string{{"chmod"}})).ToNot(BeNil())
		})

		It("tolerates an unmount failure", func() {
			runner.SideEffect = func(cmd string, args ...string) ([]byte, error) {
				if cmd == "umount" {
					return []byte("umount: target is busy"), errors.New("exit status 32")
				}
				return nil, nil
			}
			x := ops.MountExtractor{FS: fs, Runner: runner, MountPoint: "/work/iso_mount"}
			Expect(x.Extract(context.Background(), "/work/pve.iso", "/work/iso_root")).To(Succeed())
			Expect(runner.IncludesCmds([][]string{{"chmod", "-R", "u+w"}})).To(BeNil())
		})
	})

	Describe("ISO9660Extractor", func() {
		BeforeEach(func() {
			var err error
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/work/.keep": "",
			})
			Expect(err).ShouldNot(HaveOccurred())

			raw, err := fs.RawPath("/work/pve.iso")
			Expect(err).ShouldNot(HaveOccurred())
			writeInstallerISO(raw, map[string]string{
				"boot/grub/grub.cfg":          "set timeout=5",
				"boot/initrd.img":             "initrd",
				"efi.img":                     "FAT",
				"pve-installer.squashfs":      "squash",
				"proxmox/packages/readme.txt": "packages",
			})
		})

		It("copies the whole tree without mounting", func() {
			x := ops.ISO9660Extractor{FS: fs}
			Expect(x.Extract(context.Background(), "/work/pve.iso", "/work/iso_root")).To(Succeed())

			data, err := fs.ReadFile("/work/iso_root/boot/grub/grub.cfg")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(string(data)).To(Equal("set timeout=5"))
			data, err = fs.ReadFile("/work/iso_root/efi.img")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(string(data)).To(Equal("FAT"))
			Expect(runner.CmdsMatch([][]string{})).To(BeNil())
		})

		It("keeps the long lowercase Rock Ridge names", func() {
			x := ops.ISO9660Extractor{FS: fs}
			Expect(x.Extract(context.Background(), "/work/pve.iso", "/work/iso_root")).To(Succeed())

			for _, p := range []string{
				"/work/iso_root/pve-installer.squashfs",
				"/work/iso_root/boot/initrd.img",
				"/work/iso_root/proxmox/packages/readme.txt",
			} {
				ok, _ := utils.Exists(fs, p)
				Expect(ok).To(BeTrue(), p)
			}
			data, err := fs.ReadFile("/work/iso_root/pve-installer.squashfs")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(string(data)).To(Equal("squash"))
			ok, _ := utils.Exists(fs, "/work/iso_root/BOOT/INITRD.IMG")
			Expect(ok).To(BeFalse())

			assets, err := ops.ValidateBootAssets(fs, "/work/iso_root")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(assets.EFIImage).To(Equal("efi.img"))
		})

		It("stops when the context is done", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			x := ops.ISO9660Extractor{FS: fs}
			Expect(x.Extract(ctx, "/work/pve.iso", "/work/iso_root")).To(MatchError(context.Canceled))
		})

		It("fails on something that is not an image", func() {
			Expect(fs.WriteFile("/work/junk.iso", []byte("nope"), 0o644)).To(Succeed())
			x := ops.ISO9660Extractor{FS: fs}
			Expect(x.Extract(context.Background(), "/work/junk.iso", "/work/iso_root")).ToNot(Succeed())
		})
	})

	Describe("Boot assets", func() {
		BeforeEach(func() {
			var err error
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/full/efi.img":               "FAT",
				"/full/isolinux/isolinux.bin": "LDR",
				"/full/isolinux/isolinux.cfg": "default install",
				"/full/boot/grub/grub.cfg":    "menuentry",
				"/uefi/boot/grub/efi.img":     "FAT",
				"/bios/isolinux/isolinux.bin": "LDR",
				isohdpfx:                      "MBR",
			})
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("discovers every piece of a hybrid tree", func() {
			assets := ops.DiscoverBootAssets(fs, "/full")
			Expect(assets.EFIImage).To(Equal("efi.img"))
			Expect(assets.LegacyBIOS()).To(BeTrue())
			Expect(assets.BIOS.Image).To(Equal("isolinux/isolinux.bin"))
			Expect(assets.MBRTemplate).To(Equal(isohdpfx))
			Expect(assets.Configs).To(Equal([]string{"isolinux/isolinux.cfg", "boot/grub/grub.cfg"}))
		})

		It("accepts an UEFI only tree", func() {
			assets, err := ops.ValidateBootAssets(fs, "/uefi")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(assets.EFIImage).To(Equal("boot/grub/efi.img"))
			Expect(assets.LegacyBIOS()).To(BeFalse())
			Expect(assets.Configs).To(BeEmpty())
		})

		It("rejects a tree without an EFI image", func() {
			_, err := ops.ValidateBootAssets(fs, "/bios")
			Expect(errors.Is(err, ops.ErrNoEFIImage)).To(BeTrue())
		})

		It("only warns about an unreadable EFI image", func() {
			raw, err := fs.RawPath("/full/efi.img")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ops.CheckEFIImage(raw)).ToNot(Succeed())
			_, err = ops.ValidateBootAssets(fs, "/full")
			Expect(err).ShouldNot(HaveOccurred())
		})
	})

	Describe("XorrisoArgs", func() {
		loader := constants.BIOSLoaders()[0]
		base := []string{"-as", "mkisofs", "-r", "-V", "Proxmox VE 9.1", "-J", "-joliet-long", "-cache-inodes"}

		It("builds a hybrid BIOS and UEFI image", func() {
			args := ops.XorrisoArgs(ops.RemasterOptions{
				Root: "/work/iso_root", Output: "/out/pve.iso", Label: "Proxmox VE 9.1",
				Assets: ops.BootAssets{EFIImage: "efi.img", BIOS: &loader, MBRTemplate: isohdpfx},
			})
			expected := append(append([]string{}, base...),
				"-isohybrid-mbr", isohdpfx,
				"-b", "isolinux/isolinux.bin", "-c", "isolinux/boot.cat",
				"-boot-load-size", "4", "-boot-info-table", "-no-emul-boot",
				"-eltorito-alt-boot", "-e", "efi.img", "-no-emul-boot", "-isohybrid-gpt-basdat",
				"-o", "/out/pve.iso", "/work/iso_root",
			)
			Expect(args).To(Equal(expected))
		})

		It("leaves out the hybrid flags without an MBR template", func() {
			args := ops.XorrisoArgs(ops.RemasterOptions{
				Root: "/r", Output: "/o.iso", Label: "Proxmox VE 9.1",
				Assets: ops.BootAssets{EFIImage: "efi.img", BIOS: &loader},
			})
			Expect(args).ToNot(ContainElement("-isohybrid-mbr"))
			Expect(args).ToNot(ContainElement("-isohybrid-gpt-basdat"))
			Expect(args).To(ContainElement("-eltorito-alt-boot"))
		})

		It("builds an UEFI only image", func() {
			args := ops.XorrisoArgs(ops.RemasterOptions{
				Root: "/r", Output: "/o.iso", Label: "Proxmox VE 9.1",
				Assets: ops.BootAssets{EFIImage: "efi.img"},
			})
			expected := append(append([]string{}, base...), "-e", "efi.img", "-no-emul-boot", "-o", "/o.iso", "/r")
			Expect(args).To(Equal(expected))
		})

		It("appends the grub loader extras", func() {
			grub := constants.BIOSLoaders()[1]
			args := ops.XorrisoArgs(ops.RemasterOptions{
				Root: "/r", Output: "/o.iso", Label: "L",
				Assets: ops.BootAssets{EFIImage: "efi.img", BIOS: &grub, MBRTemplate: "/usr/lib/grub/i386-pc/boot_hybrid.img"},
			})
			Expect(strings.Join(args, " ")).To(ContainSubstring("--grub2-mbr /usr/lib/grub/i386-pc/boot_hybrid.img"))
			Expect(strings.Join(args, " ")).To(ContainSubstring("-no-emul-boot --grub2-boot-info -eltorito-alt-boot"))
		})
	})

	Describe("Remaster", func() {
		BeforeEach(func() {
			var err error
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/work/iso_root/efi.img": "FAT",
			})
			Expect(err).ShouldNot(HaveOccurred())
		})

		opts := ops.RemasterOptions{
			Root: "/work/iso_root", Output: "/out/pve.iso", Label: "Proxmox VE 9.1",
			Assets: ops.BootAssets{EFIImage: "efi.img"},
		}

		It("runs xorriso and checks the output", func() {
			runner.SideEffect = func(cmd string, args ...string) ([]byte, error) {
				return nil, fs.WriteFile(args[len(args)-2], []byte("ISO"), 0o644)
			}
			Expect(ops.Remaster(fs, runner, opts)).To(Succeed())
			Expect(runner.IncludesCmds([][]string{{"xorriso", "-as", "mkisofs"}})).To(BeNil())
		})

		It("fails when xorriso fails", func() {
			runner.ReturnError = errors.New("exit status 5")
			Expect(ops.Remaster(fs, runner, opts)).ToNot(Succeed())
		})

		It("fails when xorriso writes nothing", func() {
			err := ops.Remaster(fs, runner, opts)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("did not produce"))
		})
	})

	Describe("StageHelperScript", func() {
		BeforeEach(func() {
			var err error
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/share/install-firmware.sh": "#!/bin/sh\n",
				"/root/.keep":                "",
			})
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("copies the first existing candidate as an executable", func() {
			src, err := ops.StageHelperScript(fs, []string{"/missing/install-firmware.sh", "/share/install-firmware.sh"}, "/root")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(src).To(Equal("/share/install-firmware.sh"))
			info, err := fs.Stat("/root/" + constants.HelperScriptName)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(constants.ExecPerm)))
		})

		It("reports missing candidates", func() {
			_, err := ops.StageHelperScript(fs, []string{"/missing/install-firmware.sh"}, "/root")
			Expect(errors.Is(err, ops.ErrNoHelperScript)).To(BeTrue())
		})
	})
})
