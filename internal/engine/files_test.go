package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindFilePath(t *testing.T) {
	_, ok := FindFilePath(nil)
	assert.False(t, ok)

	f, ok := FindFilePath([]File{{URIs: []string{"http://x/a"}}, {Path: "/dl/j/b.iso"}})
	assert.True(t, ok)
	assert.Equal(t, "/dl/j/b.iso", f.Path)

	f, ok = FindFilePath([]File{{URIs: []string{"http://x/a"}}})
	assert.True(t, ok)
	assert.Equal(t, []string{"http://x/a"}, f.URIs)
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name string
		file File
		dir  string
		want string
	}{
		{"single file", File{Path: "/dl/job/ubuntu.iso"}, "/dl/job", "ubuntu.iso"},
		{"nested file names top directory", File{Path: "/dl/job/Show/S01/e01.mkv"}, "/dl/job", "Show"},
		{"metadata", File{Path: "[METADATA]abcdef"}, "/dl/job", MetadataName},
		{"metadata under dir", File{Path: "/dl/job/[METADATA]abcdef"}, "/dl/job", MetadataName},
		{"unresolved uses uri", File{URIs: []string{"https://example.com/files/my%20file.zip?x=1"}}, "/dl/job", "my file.zip"},
		{"magnet display name", File{URIs: []string{"magnet:?xt=urn:btih:abc&dn=Big+Movie"}}, "/dl/job", "Big Movie"},
		{"nothing known", File{}, "/dl/job", "Unknown"},
		{"outside dir", File{Path: "/other/x.bin"}, "/dl/job", "x.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.file, tt.dir))
		})
	}
}

func TestTopLevelPath(t *testing.T) {
	assert.Equal(t, "/dl/job/a.bin", TopLevelPath("/dl/job/a.bin", "/dl/job"))
	assert.Equal(t, "/dl/job/Album", TopLevelPath("/dl/job/Album/cd1/01.flac", "/dl/job"))
	assert.Equal(t, "/elsewhere/a", TopLevelPath("/elsewhere/a", "/dl/job"))
	assert.Equal(t, "/dl/job", TopLevelPath("/dl/job", "/dl/job"))
	assert.Equal(t, "/x/y", TopLevelPath("/x/y", ""))
}

func TestQueryError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &QueryError{Operation: "tellStatus", ID: "abc", Err: cause}

	assert.Equal(t, "engine tellStatus failed for abc: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "engine addUri failed: connection refused", (&QueryError{Operation: "addUri", Err: cause}).Error())
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "start", EventStart.String())
	assert.Equal(t, "complete", EventComplete.String())
	assert.Equal(t, "unknown(42)", EventKind(42).String())
}
