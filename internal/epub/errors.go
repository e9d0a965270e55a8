package epub

import "errors"

var (
	ErrInvalidArchive         = errors.New("invalid archive: not a readable zip container")
	ErrMalformedContainer     = errors.New("malformed container: META-INF/container.xml missing or unreadable")
	ErrMissingPackageDocument = errors.New("package document not found in archive")
	ErrMalformedPackage       = errors.New("package document could not be parsed")
	ErrDRMProtected           = errors.New("archive is DRM protected")
	ErrEntryNotFound          = errors.New("archive entry not found")
	ErrEntryTooLarge          = errors.New("archive entry exceeds decompression limit")
)
