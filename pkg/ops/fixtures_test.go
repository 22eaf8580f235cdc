package ops_test

import (
	"os"
	"path"
	"sort"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
	"github.com/kairos-io/firmforge/pkg/constants"
	. "github.com/onsi/gomega"
)

// blankDisk creates an image file for diskfs to lay a filesystem on
func blankDisk(p string, size int64) *disk.Disk {
	d, err := diskfs.Create(p, size, diskfs.SectorSizeDefault)
	Expect(err).ShouldNot(HaveOccurred())
	return d
}

// writeEFIImage creates an unpartitioned FAT32 image holding the given loaders under EFI/BOOT
func writeEFIImage(p string, loaders ...string) {
	d := blankDisk(p, 33*1024*1024)
	defer d.Close()

	fat, err := d.CreateFilesystem(disk.FilesystemSpec{Partition: 0, FSType: filesystem.TypeFat32, VolumeLabel: "EFIBOOT"})
	Expect(err).ShouldNot(HaveOccurred())
	Expect(fat.Mkdir("/" + constants.EfiBootDir)).To(Succeed())
	for _, l := range loaders {
		f, err := fat.OpenFile("/"+constants.EfiBootDir+"/"+l, os.O_CREATE|os.O_RDWR)
		Expect(err).ShouldNot(HaveOccurred())
		_, err = f.Write([]byte("MZ loader"))
		Expect(err).ShouldNot(HaveOccurred())
		Expect(f.Close()).To(Succeed())
	}
}

// writeInstallerISO masters an iso9660 image with Rock Ridge names from a path -> content map
func writeInstallerISO(p string, files map[string]string) {
	d := blankDisk(p, 10*1024*1024)
	defer d.Close()
	d.LogicalBlocksize = 2048

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{Partition: 0, FSType: filesystem.TypeISO9660, VolumeLabel: "PVE"})
	Expect(err).ShouldNot(HaveOccurred())

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if dir := path.Dir("/" + name); dir != "/" {
			Expect(fs.Mkdir(dir)).To(Succeed())
		}
		f, err := fs.OpenFile("/"+name, os.O_CREATE|os.O_RDWR)
		Expect(err).ShouldNot(HaveOccurred())
		_, err = f.Write([]byte(files[name]))
		Expect(err).ShouldNot(HaveOccurred())
		Expect(f.Close()).To(Succeed())
	}

	iso, ok := fs.(*iso9660.FileSystem)
	Expect(ok).To(BeTrue())
	Expect(iso.Finalize(iso9660.FinalizeOptions{RockRidge: true})).To(Succeed())
}
