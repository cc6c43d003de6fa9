//go:build !linux

package pipeline

import (
	"errors"
	"os"
)

var errCloneUnsupported = errors.New("file clone not supported on this platform")

func cloneFile(dst, src *os.File) error {
	return errCloneUnsupported
}
