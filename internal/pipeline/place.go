package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"lodestone/internal/install"
	"lodestone/internal/paths"
)

// placeFile moves src to dst: rename when possible (atomic on one
// filesystem), reflink across devices that support it, plain copy otherwise.
// keepSource forces the copy path, leaving src in place for later
// dependents.
func placeFile(src, dst string, keepSource bool) error {
	if err := paths.EnsureParent(dst); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}

	if !keepSource {
		err := install.RetryIO(func() error { return os.Rename(src, dst) })
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("renaming into place: %w", err)
		}
		// Cross-device: fall through to reflink/copy, then drop the source.
	}

	if err := cloneOrCopy(src, dst); err != nil {
		return err
	}
	if !keepSource {
		os.Remove(src)
	}
	return nil
}

// cloneOrCopy reflinks src to dst where the filesystem supports it and
// copies otherwise.
func cloneOrCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if err := cloneFile(out, in); err == nil {
		return out.Close()
	}

	// Not a reflink-capable pair; stream the bytes.
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying to destination: %w", err)
	}
	return out.Close()
}

// fileSize returns the size of path, or -1 when it does not exist.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
