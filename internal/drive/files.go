package drive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	drivev3 "google.golang.org/api/drive/v3"
)

const (
	// FolderMimeType marks a Drive folder.
	FolderMimeType = "application/vnd.google-apps.folder"

	defaultMimeType = "application/octet-stream"
)

// Link returns the public URL of an uploaded file or folder.
func Link(id string, isFolder bool) string {
	if isFolder {
		return "https://drive.google.com/drive/folders/" + id
	}

	return "https://drive.google.com/uc?id=" + id + "&export=download"
}

// DetectMIME sniffs the content type of the file at path.
func DetectMIME(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return defaultMimeType
	}

	return m.String()
}

// CreateFolder creates a folder named name inside parentID.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	return c.create(ctx, name, FolderMimeType, parentID)
}

// create makes a metadata-only file, used for folders and empty files.
func (c *Client) create(ctx context.Context, name, mimeType, parentID string) (string, error) {
	meta := &drivev3.File{Name: name, MimeType: mimeType, Parents: parents(parentID)}

	f, err := c.service.Files.Create(meta).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, apiError("create_file", err))
	}

	return f.Id, nil
}

// Share grants read access to fileID: to every configured email when any
// are set, otherwise to anyone with the link.
func (c *Client) Share(ctx context.Context, fileID string) error {
	if len(c.cfg.ShareEmails) == 0 {
		perm := &drivev3.Permission{Role: "reader", Type: "anyone"}

		if _, err := c.service.Permissions.Create(fileID, perm).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to share %s: %w", fileID, apiError("create_permission", err))
		}

		return nil
	}

	for _, email := range c.cfg.ShareEmails {
		perm := &drivev3.Permission{Role: "reader", Type: "user", EmailAddress: email}

		if _, err := c.service.Permissions.Create(fileID, perm).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to share %s with %s: %w", fileID, email, apiError("create_permission", err))
		}
	}

	return nil
}

// UploadTree uploads the file or directory at path into parentID, shares the
// top-level entry and returns its public link. Directories are recreated
// as folders and their contents uploaded one at a time.
func (c *Client) UploadTree(ctx context.Context, path, parentID string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var id string

	if info.IsDir() {
		id, err = c.CreateFolder(ctx, filepath.Base(path), parentID)
		if err != nil {
			return "", err
		}

		if err := c.uploadDir(ctx, path, id); err != nil {
			return "", err
		}
	} else {
		id, err = c.Upload(ctx, path, DetectMIME(path), parentID)
		if err != nil {
			return "", err
		}
	}

	if err := c.Share(ctx, id); err != nil {
		return "", err
	}

	return Link(id, info.IsDir()), nil
}

func (c *Client) uploadDir(ctx context.Context, dir, folderID string) error {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			id, err := c.CreateFolder(ctx, entry.Name(), folderID)
			if err != nil {
				return err
			}

			if err := c.uploadDir(ctx, path, id); err != nil {
				return err
			}

			continue
		}

		if _, err := c.Upload(ctx, path, DetectMIME(path), folderID); err != nil {
			return err
		}

		logger.DebugContext(ctx, "uploaded file", "path", path)
	}

	return nil
}
