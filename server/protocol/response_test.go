package protocol

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renmale-lv/MyWebServer/server/buffer"
)

// newSrcDir builds a source root with the standard pages.
func newSrcDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	pages := map[string]string{
		"index.html": "hello",
		"404.html":   "<html>not found</html>",
		"403.html":   "<html>forbidden</html>",
		"400.html":   "<html>bad request</html>",
	}
	for name, body := range pages {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir + "/"
}

func makeResponse(t *testing.T, srcDir, path string, keepAlive bool, code int) (*Response, string) {
	t.Helper()
	resp := NewResponse(nil)
	resp.Init(srcDir, path, keepAlive, code)
	buf := buffer.New()
	resp.MakeResponse(buf)
	t.Cleanup(resp.UnmapFile)
	return &resp, string(buf.Peek())
}

func TestMakeResponseOK(t *testing.T) {
	srcDir := newSrcDir(t)
	resp, head := makeResponse(t, srcDir, "/index.html", false, -1)

	assert.Equal(t, 200, resp.Code())
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, head, "Connection: close\r\n")
	assert.Contains(t, head, "Content-type: text/html\r\n")
	assert.True(t, strings.HasSuffix(head, "Content-length: 5\r\n\r\n"))
	assert.Equal(t, "hello", string(resp.File()))
	assert.Equal(t, int64(5), resp.FileLen())
}

func TestMakeResponseKeepAlive(t *testing.T) {
	srcDir := newSrcDir(t)
	_, head := makeResponse(t, srcDir, "/index.html", true, -1)

	assert.Contains(t, head, "Connection: keep-alive\r\n")
	assert.Contains(t, head, "keep-alive: max=6, timeout=120\r\n")
}

func TestMissingFileIs404(t *testing.T) {
	srcDir := newSrcDir(t)
	resp, head := makeResponse(t, srcDir, "/missing", false, -1)

	assert.Equal(t, 404, resp.Code())
	assert.Equal(t, "/404.html", resp.Path())
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\n"))
	assert.Equal(t, "<html>not found</html>", string(resp.File()))
}

func TestDirectoryIs404(t *testing.T) {
	srcDir := newSrcDir(t)
	require.NoError(t, os.Mkdir(filepath.Join(srcDir, "sub"), 0o755))
	resp, _ := makeResponse(t, srcDir, "/sub", false, -1)
	assert.Equal(t, 404, resp.Code())
}

func TestUnreadableFileIs403(t *testing.T) {
	srcDir := newSrcDir(t)
	secret := filepath.Join(srcDir, "secret.html")
	require.NoError(t, os.WriteFile(secret, []byte("hidden"), 0o640))

	resp, head := makeResponse(t, srcDir, "/secret.html", false, -1)
	assert.Equal(t, 403, resp.Code())
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 403 Forbidden\r\n"))
	assert.Equal(t, "<html>forbidden</html>", string(resp.File()))
}

// When even the error page cannot be served, a small inline body is emitted.
func TestInlineErrorBody(t *testing.T) {
	dir := t.TempDir() + "/" // no pages at all
	resp, head := makeResponse(t, dir, "/missing", false, -1)

	assert.Equal(t, 404, resp.Code())
	assert.Nil(t, resp.File())
	assert.Contains(t, head, "<html><title>Error</title>")
	assert.Contains(t, head, "404 : Not Found")

	// Content-length must frame exactly the inline body.
	_, after, found := strings.Cut(head, "\r\n\r\n")
	require.True(t, found)
	assert.Contains(t, head, "Content-length: "+strconv.Itoa(len(after))+"\r\n\r\n")
}

func TestReinitReleasesMapping(t *testing.T) {
	srcDir := newSrcDir(t)
	resp := NewResponse(nil)
	resp.Init(srcDir, "/index.html", false, -1)
	buf := buffer.New()
	resp.MakeResponse(buf)
	require.NotNil(t, resp.File())

	resp.Init(srcDir, "/404.html", false, -1)
	assert.Nil(t, resp.File(), "re-init must unmap the previous body")
	assert.Equal(t, int64(0), resp.FileLen())
	resp.UnmapFile()
}

func TestContentTypeBySuffix(t *testing.T) {
	srcDir := newSrcDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "app.js"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "noext"), []byte("1"), 0o644))

	_, head := makeResponse(t, srcDir, "/app.js", false, -1)
	assert.Contains(t, head, "Content-type: text/javascript\r\n")

	_, head = makeResponse(t, srcDir, "/noext", false, -1)
	assert.Contains(t, head, "Content-type: text/plain\r\n")
}
