package protocol

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/renmale-lv/MyWebServer/server/buffer"
	"github.com/renmale-lv/MyWebServer/server/logger"
	"github.com/renmale-lv/MyWebServer/server/sqlpool"
)

// userCount tracks live connections across the process.
var userCount atomic.Int32

// UserCount returns the number of open connections.
func UserCount() int32 { return userCount.Load() }

// writevThreshold keeps the write loop spinning in level-triggered mode
// while a large response is pending.
const writevThreshold = 10240

// Conn binds a client socket to its buffers, request parser, response
// builder, and the two-element scatter-gather write vector (headers from the
// write buffer, body from the mapped file).
//
// A Conn is handed to one worker at a time; the server's one-shot re-arming
// discipline is the only synchronization it needs.
type Conn struct {
	fd      int
	addr    string
	et      bool
	srcDir  string
	isClose bool

	iov    [2][]byte
	iovCnt int

	readBuf  *buffer.Buffer
	writeBuf *buffer.Buffer
	request  Request
	response Response

	log *logger.Log
}

// NewConn allocates a connection bound to the server's source root, trigger
// mode, credential pool, and log.
func NewConn(srcDir string, et bool, pool *sqlpool.Pool, log *logger.Log) *Conn {
	return &Conn{
		et:       et,
		srcDir:   srcDir,
		isClose:  true,
		readBuf:  buffer.New(),
		writeBuf: buffer.New(),
		request:  NewRequest(pool, log),
		response: NewResponse(log),
		log:      log,
	}
}

// Init takes ownership of fd, resets both buffers, and counts the client in.
func (c *Conn) Init(fd int, addr string) {
	userCount.Add(1)
	c.fd = fd
	c.addr = addr
	c.readBuf.RetrieveAll()
	c.writeBuf.RetrieveAll()
	c.isClose = false
	c.log.Infof("client[%d](%s) in, user count: %d", fd, addr, UserCount())
}

// Close is idempotent: it releases the response mapping, counts the client
// out, and closes the socket.
func (c *Conn) Close() {
	c.response.UnmapFile()
	if c.isClose {
		return
	}
	c.isClose = true
	userCount.Add(-1)
	unix.Close(c.fd)
	c.log.Infof("client[%d](%s) quit, user count: %d", c.fd, c.addr, UserCount())
}

// Fd returns the connection's socket.
func (c *Conn) Fd() int { return c.fd }

// Addr returns the peer address.
func (c *Conn) Addr() string { return c.addr }

// IsKeepAlive reports whether the parsed request asked for keep-alive.
func (c *Conn) IsKeepAlive() bool { return c.request.IsKeepAlive() }

// ToWriteBytes returns the bytes still pending in the write vector.
func (c *Conn) ToWriteBytes() int { return len(c.iov[0]) + len(c.iov[1]) }

// Read drains the socket into the read buffer, repeating under edge-triggered
// mode until the socket runs dry. Returns the last read's byte count; the
// error is unix.EAGAIN when the socket was drained to empty.
func (c *Conn) Read() (int, error) {
	n := -1
	for {
		var err error
		n, err = c.readBuf.ReadFd(c.fd)
		if err != nil {
			return -1, err
		}
		if n <= 0 {
			break
		}
		if !c.et {
			break
		}
	}
	return n, nil
}

// Write drives the scatter-gather vector into the socket, trimming each
// element as bytes drain. It keeps writing while edge-triggered mode is in
// effect or more than writevThreshold bytes remain.
func (c *Conn) Write() (int, error) {
	n := -1
	for {
		var err error
		n, err = unix.Writev(c.fd, c.iov[:c.iovCnt])
		if err != nil {
			return -1, err
		}
		c.advance(n)
		if c.ToWriteBytes() == 0 {
			break
		}
		if !c.et && c.ToWriteBytes() <= writevThreshold {
			break
		}
	}
	return n, nil
}

// advance trims n written bytes off the front of the vector, keeping the
// write buffer's read position in step with iov[0].
func (c *Conn) advance(n int) {
	if n > len(c.iov[0]) {
		c.iov[1] = c.iov[1][n-len(c.iov[0]):]
		if len(c.iov[0]) > 0 {
			c.writeBuf.RetrieveAll()
			c.iov[0] = nil
		}
	} else {
		c.writeBuf.Retrieve(n)
		c.iov[0] = c.iov[0][n:]
	}
}

// Process parses whatever the read buffer holds and assembles the response.
// It returns false when there was no input yet; true means the write vector
// is ready (a parsed response or an error page).
func (c *Conn) Process() bool {
	c.request.Init()
	if c.readBuf.ReadableBytes() <= 0 {
		return false
	}
	if c.request.Parse(c.readBuf) {
		c.response.Init(c.srcDir, c.request.Path, c.request.IsKeepAlive(), 200)
	} else {
		c.response.Init(c.srcDir, c.request.Path, false, 400)
	}
	c.response.MakeResponse(c.writeBuf)

	c.iov[0] = c.writeBuf.Peek()
	c.iovCnt = 1
	if c.response.FileLen() > 0 && c.response.File() != nil {
		c.iov[1] = c.response.File()
		c.iovCnt = 2
	} else {
		c.iov[1] = nil
	}
	return true
}
