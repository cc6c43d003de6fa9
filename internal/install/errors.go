package install

import (
	"errors"
	"io/fs"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrIndexFailure marks an archive-index store failure. No progress can be
// recorded safely past this point, so the run aborts.
var ErrIndexFailure = errors.New("archive index store failure")

// ErrDiskFull marks an out-of-space condition. It escalates to a cooperative
// shutdown; the pipeline drains and the run can resume after space is freed.
var ErrDiskFull = errors.New("disk full")

// Classify maps an error to its failure reason.
func Classify(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDiskFull), errors.Is(err, syscall.ENOSPC):
		return ReasonDiskFull
	case errors.Is(err, fs.ErrPermission):
		return ReasonPermission
	case errors.Is(err, fs.ErrNotExist):
		return ReasonMissingArchive
	default:
		return ReasonIO
	}
}

// IsDiskFull reports whether err is an out-of-space condition.
func IsDiskFull(err error) bool {
	return errors.Is(err, ErrDiskFull) || errors.Is(err, syscall.ENOSPC)
}

// retryable reports whether an I/O error is worth retrying. Permission and
// space errors never resolve on their own.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsDiskFull(err) || errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EIO)
}

// RetryIO runs op, retrying transient I/O failures up to three times with a
// short exponential backoff. Non-transient errors return immediately.
func RetryIO(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(bo, 3))
}
