package ncf

import "errors"

var (
	ErrInvalidMagic       = errors.New("invalid NCF magic")
	ErrUnsupportedMajor   = errors.New("unsupported NCF major version")
	ErrUnsupportedVersion = errors.New("unsupported NCF section version")
	ErrCorruptFile        = errors.New("corrupt NCF file")
)
