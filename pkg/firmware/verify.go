package firmware

import (
	"fmt"
	"strings"

	"github.com/kairos-io/firmforge/pkg/utils"
	"github.com/twpayne/go-vfs/v5"
)

// Verify compares the file digest against expected. Supported algorithms are sha256 (the
// default when empty) and md5.
func Verify(fs vfs.FS, file, expected, algorithm string) error {
	sum, err := utils.FileChecksum(fs, file, algorithm)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: %s has %s, expected %s", ErrChecksumMismatch, file, sum, expected)
	}
	return nil
}
