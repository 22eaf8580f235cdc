package firmware

import "errors"

var (
	// ErrUnknownVendor is returned for vendor names outside the catalog
	ErrUnknownVendor = errors.New("unknown vendor")
	// ErrFirmwareDownload means none of a vendor's packages could be fetched
	ErrFirmwareDownload = errors.New("firmware download failed")
	// ErrFirmwareIntegration aborts the whole integration of a package set
	ErrFirmwareIntegration = errors.New("firmware integration failed")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
)
