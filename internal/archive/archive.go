package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
)

// Error is a failure while streaming an archive. The caller recovers by
// uploading the original directory.
type Error struct {
	Path string // The directory being archived
	Err  error  // Underlying stream error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to archive %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FreeSpaceFunc reports the bytes available to unprivileged users on the
// filesystem hosting path.
type FreeSpaceFunc func(path string) (uint64, error)

// Plan is what gets uploaded for a completed download.
type Plan struct {
	Path     string
	Name     string
	Size     int64
	Archived bool
}

// Policy decides whether a completed directory is packed into a tar before
// upload. Root is the download root whose filesystem is checked for space.
type Policy struct {
	Root      string
	FreeSpace FreeSpaceFunc
	Telemetry *telemetry.Telemetry
}

// NewPolicy creates a policy that checks free space with statfs.
func NewPolicy(root string, tel *telemetry.Telemetry) *Policy {
	return &Policy{Root: root, FreeSpace: FreeSpace, Telemetry: tel}
}

// Decide returns the upload plan for path, a completed download of size
// bytes shown as name. Single files are never archived. When archiving is
// requested for a directory and the download root has more free space than
// size, the directory is packed into <path>.tar; any failure along the way
// falls back to the unarchived directory. Decide runs once per job.
func (p *Policy) Decide(ctx context.Context, path, name string, size int64, requested bool) Plan {
	logger := logctx.LoggerFromContext(ctx).With("path", path)

	plan := Plan{Path: path, Name: name, Size: size}

	if !requested {
		return plan
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		p.Telemetry.RecordArchive("single_file")

		return plan
	}

	free, err := p.FreeSpace(p.Root)
	if err != nil {
		logger.WarnContext(ctx, "failed to check free space, uploading without archiving", "root", p.Root, "err", err)
		p.Telemetry.RecordArchive("free_space_error")

		return plan
	}

	if size < 0 || free <= uint64(size) {
		logger.InfoContext(ctx, "not enough free space to archive, uploading directory",
			"free", humanize.Bytes(free), "size", humanize.Bytes(uint64(max(size, 0))))
		p.Telemetry.RecordArchive("insufficient_space")

		return plan
	}

	logger.InfoContext(ctx, "starting archival", "size", humanize.Bytes(uint64(size)))

	target := path + ".tar"

	written, err := Tar(ctx, path, target)
	if err != nil {
		logger.ErrorContext(ctx, "archival failed, uploading directory", "err", err)
		p.Telemetry.RecordArchive("failed")

		return plan
	}

	logger.InfoContext(ctx, "archival complete", "archive", target, "size", humanize.Bytes(uint64(written)))
	p.Telemetry.RecordArchive("archived")

	return Plan{Path: target, Name: name + ".tar", Size: written, Archived: true}
}
