package drive

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadTree_Directory(t *testing.T) {
	fd := newFakeDrive(t)
	c := fd.client(Config{ParentID: "root"}, nil)

	dir := filepath.Join(t.TempDir(), "pack")
	_, a := writeFile(t, dir, "a.txt", 40)
	_, b := writeFile(t, dir, filepath.Join("sub", "b.bin"), 70)
	writeFile(t, dir, "empty.txt", 0)

	link, err := c.UploadTree(context.Background(), dir, c.ParentID())
	require.NoError(t, err)
	assert.Equal(t, "https://drive.google.com/drive/folders/id-pack", link)

	fd.settle(t)

	assert.Equal(t, "root", fd.createdIn["pack"])
	assert.Equal(t, "id-pack", fd.createdIn["sub"])
	assert.Equal(t, "id-pack", fd.createdIn["empty.txt"])

	assert.Equal(t, a, fd.sessions["a.txt"].received)
	assert.Equal(t, b, fd.sessions["b.bin"].received)

	require.Len(t, fd.permissions, 1)
	assert.Equal(t, permission{Role: "reader", Type: "anyone"}, fd.permissions[0])
}

func TestUploadTree_SingleFile(t *testing.T) {
	fd := newFakeDrive(t)
	c := fd.client(Config{}, nil)

	path, data := writeFile(t, t.TempDir(), "movie.mkv", 64)

	link, err := c.UploadTree(context.Background(), path, "root")
	require.NoError(t, err)
	assert.Equal(t, "https://drive.google.com/uc?id=file-movie.mkv&export=download", link)

	fd.settle(t)
	assert.Equal(t, data, fd.sessions["movie.mkv"].received)
	assert.Empty(t, fd.created)
}

func TestUploadTree_MissingPath(t *testing.T) {
	fd := newFakeDrive(t)
	c := fd.client(Config{}, nil)

	_, err := c.UploadTree(context.Background(), filepath.Join(t.TempDir(), "nope"), "root")
	assert.Error(t, err)
}

func TestShare_PrivateEmails(t *testing.T) {
	fd := newFakeDrive(t)
	c := fd.client(Config{ShareEmails: []string{"a@example.com", "b@example.com"}}, nil)

	require.NoError(t, c.Share(context.Background(), "file-1"))

	fd.settle(t)

	assert.Equal(t, []permission{
		{Role: "reader", Type: "user", EmailAddress: "a@example.com"},
		{Role: "reader", Type: "user", EmailAddress: "b@example.com"},
	}, fd.permissions)
}

func TestCreateFolder_ErrorStatusIsAPIError(t *testing.T) {
	fd := newFakeDrive(t)
	fd.createCode = http.StatusForbidden
	c := fd.client(Config{}, nil)

	_, err := c.CreateFolder(context.Background(), "pack", "root")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "create_file", apiErr.Operation)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "insufficient permissions")
}

func TestShare_TransportFailureIsWrapped(t *testing.T) {
	fd := newFakeDrive(t)
	c := fd.client(Config{}, nil)
	fd.server.Close()

	err := c.Share(context.Background(), "file-1")
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestDetectMIME(t *testing.T) {
	dir := t.TempDir()

	png := filepath.Join(dir, "image.bin")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n0000"), 0o644))
	assert.Equal(t, "image/png", DetectMIME(png))

	assert.Equal(t, "application/octet-stream", DetectMIME(filepath.Join(dir, "missing")))
}
