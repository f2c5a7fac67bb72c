package protocol

import (
	"os"
	"path"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/renmale-lv/MyWebServer/server/buffer"
	"github.com/renmale-lv/MyWebServer/server/logger"
)

// Response assembles a status line and header block into the connection's
// write buffer and maps the response file read-only for the body. At most
// one mapping is outstanding; Init and UnmapFile release it.
type Response struct {
	code      int
	keepAlive bool
	path      string
	srcDir    string

	mmFile   []byte
	fileSize int64

	log *logger.Log
}

func NewResponse(log *logger.Log) Response {
	return Response{code: -1, log: log}
}

// Init prepares the response for a new request. Any previous mapping is
// released first.
func (r *Response) Init(srcDir, reqPath string, keepAlive bool, code int) {
	if srcDir == "" {
		panic("response: empty source root")
	}
	r.UnmapFile()
	r.code = code
	r.keepAlive = keepAlive
	r.path = reqPath
	r.srcDir = srcDir
	r.fileSize = 0
}

// MakeResponse stats the resolved file, remaps error codes to their
// canonical pages, and writes the status line and headers into buf. The
// mapped file body, if any, is exposed through File/FileLen.
func (r *Response) MakeResponse(buf *buffer.Buffer) {
	fi, err := os.Stat(r.srcDir + r.path)
	switch {
	case err != nil || fi.IsDir():
		r.code = 404
	case fi.Mode().Perm()&0o004 == 0:
		// Not world-readable.
		r.code = 403
	case r.code == -1:
		r.code = 200
	}
	r.errorHTML()
	r.addStateLine(buf)
	r.addHeader(buf)
	r.addContent(buf)
}

// Code returns the resolved status code.
func (r *Response) Code() int { return r.code }

// Path returns the path the response was (re)resolved to.
func (r *Response) Path() string { return r.path }

// File returns the mapped body, or nil.
func (r *Response) File() []byte { return r.mmFile }

// FileLen returns the mapped body length.
func (r *Response) FileLen() int64 { return r.fileSize }

// UnmapFile releases the outstanding mapping, if any.
func (r *Response) UnmapFile() {
	if r.mmFile != nil {
		unix.Munmap(r.mmFile)
		r.mmFile = nil
	}
	r.fileSize = 0
}

// errorHTML swaps the path for the canonical error page of non-200 codes.
func (r *Response) errorHTML() {
	if p, ok := codePath[r.code]; ok {
		r.path = p
	}
}

func (r *Response) addStateLine(buf *buffer.Buffer) {
	status, ok := codeStatus[r.code]
	if !ok {
		r.code = 400
		status = codeStatus[400]
	}
	buf.AppendString("HTTP/1.1 " + strconv.Itoa(r.code) + " " + status + "\r\n")
}

func (r *Response) addHeader(buf *buffer.Buffer) {
	buf.AppendString("Connection: ")
	if r.keepAlive {
		buf.AppendString("keep-alive\r\n")
		buf.AppendString("keep-alive: max=6, timeout=120\r\n")
	} else {
		buf.AppendString("close\r\n")
	}
	buf.AppendString("Content-type: " + r.fileType() + "\r\n")
}

// addContent opens the response file and maps it read-only private; the
// mapping becomes the body vector. Open or map failure degrades to a small
// inline HTML error body.
func (r *Response) addContent(buf *buffer.Buffer) {
	f, err := os.Open(r.srcDir + r.path)
	if err != nil {
		r.errorContent(buf, "File NotFound!")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		r.errorContent(buf, "File NotFound!")
		return
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		r.log.Warnf("mmap %s failed: %v", r.srcDir+r.path, err)
		r.errorContent(buf, "File NotFound!")
		return
	}
	r.mmFile = data
	r.fileSize = fi.Size()
	buf.AppendString("Content-length: " + strconv.FormatInt(fi.Size(), 10) + "\r\n\r\n")
}

// errorContent writes an inline HTML error body into the write buffer.
func (r *Response) errorContent(buf *buffer.Buffer, message string) {
	status, ok := codeStatus[r.code]
	if !ok {
		status = "Bad Request"
	}
	body := "<html><title>Error</title>" +
		"<body bgcolor=\"ffffff\">" +
		strconv.Itoa(r.code) + " : " + status + "\n" +
		"<p>" + message + "</p>" +
		"<hr><em>WebServer</em></body></html>"

	buf.AppendString("Content-length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	buf.AppendString(body)
}

func (r *Response) fileType() string {
	ext := path.Ext(r.path)
	if t, ok := suffixType[ext]; ok {
		return t
	}
	return "text/plain"
}
