package ftpsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// FileOptions tunes DownloadFile and UploadFile.
type FileOptions struct {
	// Resume continues a previous partial transfer: downloads append to
	// the local file, uploads skip what the server already has.
	Resume bool

	Framing  Framing
	Content  ContentMode
	Progress ProgressFunc
}

// DownloadFile downloads a remote file to the local filesystem.
//
// The size and modification time of the remote file are queried first
// (best effort) for progress reporting and to stamp the local copy. A
// failed download keeps whatever was written, unless nothing was written
// and this was not a resume, in which case the empty file is removed.
//
// Example:
//
//	_, err := s.DownloadFile(ctx, "/public/data.csv", "data.csv", ftpsession.FileOptions{Resume: true})
func (s *Session) DownloadFile(ctx context.Context, remotePath, localPath string, opt FileOptions) (TransferStats, error) {
	size, mtime := s.remoteInfo(ctx, remotePath)

	flags := os.O_WRONLY | os.O_CREATE
	if !opt.Resume {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(localPath, flags, 0o644)
	if err != nil {
		return TransferStats{}, fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	var offset int64
	if opt.Resume {
		info, err := f.Stat()
		if err != nil {
			return TransferStats{}, fmt.Errorf("failed to stat local file: %w", err)
		}
		offset = info.Size()
		switch {
		case size >= 0 && offset == size && opt.Content == ContentRaw:
			s.logger.Info("local file already complete", "file", localPath, "size", size)
			if !mtime.IsZero() {
				if err := os.Chtimes(localPath, mtime, mtime); err != nil {
					s.logger.Debug("failed to set local modification time", "file", localPath, "error", err)
				}
			}
			return TransferStats{StartOffset: offset}, nil
		case size >= 0 && offset > size:
			s.logger.Info("local file larger than remote, downloading again", "file", localPath)
			if err := f.Truncate(0); err != nil {
				return TransferStats{}, fmt.Errorf("failed to truncate local file: %w", err)
			}
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return TransferStats{}, fmt.Errorf("failed to seek local file: %w", err)
		}
	}

	expected := int64(-1)
	if size >= 0 {
		expected = size - offset
	}

	stats, err := s.Transfer(ctx, TransferRequest{
		Direction:     Download,
		Path:          remotePath,
		Framing:       opt.Framing,
		Content:       opt.Content,
		Sink:          f,
		ExpectedSize:  expected,
		StartOffset:   offset,
		RemoteModTime: mtime,
		Progress:      opt.Progress,
	})
	if err != nil {
		if stats.BytesMoved == 0 && !opt.Resume {
			f.Close()
			_ = os.Remove(localPath)
		}
		return stats, fmt.Errorf("download failed: %w", err)
	}
	return stats, nil
}

// UploadFile uploads a local file. With Resume set, the remote size is
// used as the restart offset.
//
// Example:
//
//	_, err := s.UploadFile(ctx, "image.jpg", "/public/images/image.jpg", ftpsession.FileOptions{})
func (s *Session) UploadFile(ctx context.Context, localPath, remotePath string, opt FileOptions) (TransferStats, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return TransferStats{}, fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return TransferStats{}, fmt.Errorf("failed to stat local file: %w", err)
	}

	var offset int64
	if opt.Resume && opt.Content == ContentRaw {
		remote, _ := s.remoteInfo(ctx, remotePath)
		if remote > 0 && remote <= info.Size() {
			offset = remote
		}
		if remote == info.Size() {
			s.logger.Info("remote file already complete", "file", remotePath, "size", remote)
			return TransferStats{StartOffset: offset}, nil
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return TransferStats{}, fmt.Errorf("failed to seek local file: %w", err)
		}
	}

	stats, err := s.Transfer(ctx, TransferRequest{
		Direction:    Upload,
		Path:         remotePath,
		Framing:      opt.Framing,
		Content:      opt.Content,
		Source:       f,
		ExpectedSize: info.Size() - offset,
		StartOffset:  offset,
		Progress:     opt.Progress,
	})
	if err != nil {
		return stats, fmt.Errorf("upload failed: %w", err)
	}
	return stats, nil
}

// List writes the server's LIST output for path (the current directory
// when empty) to w. Listings always use text mode.
func (s *Session) List(ctx context.Context, path string, w io.Writer) error {
	_, err := s.Transfer(ctx, TransferRequest{
		Direction: Download,
		Command:   "LIST",
		Path:      path,
		Content:   ContentText,
		Sink:      w,
	})
	return err
}

// remoteInfo returns the size (-1 if unknown) and modification time (zero
// if unknown) of a remote file. Refusals are not errors here.
func (s *Session) remoteInfo(ctx context.Context, path string) (int64, time.Time) {
	size, err := s.Size(ctx, path)
	if err != nil {
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			s.logger.Debug("SIZE failed", "path", path, "error", err)
		}
		size = -1
	}
	mtime, err := s.ModTime(ctx, path)
	if err != nil {
		mtime = time.Time{}
	}
	return size, mtime
}
