// Package server implements the HTTP server: one reactor goroutine blocking
// on epoll, a fixed worker pool running read/write/parse tasks, a min-heap of
// idle timers, and a bounded pool of database handles for the form auth path.
//
// Client sockets are registered one-shot: after the reactor posts a task for
// a connection, epoll does not redeliver that fd until the worker re-arms it
// with Mod. At most one worker touches a connection at a time, with no
// per-connection lock.
package server

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/renmale-lv/MyWebServer/server/engine"
	"github.com/renmale-lv/MyWebServer/server/logger"
	"github.com/renmale-lv/MyWebServer/server/protocol"
	"github.com/renmale-lv/MyWebServer/server/sqlpool"
	"github.com/renmale-lv/MyWebServer/server/timer"
)

// maxFD caps concurrent connections; above it new sockets are rejected with
// a brief error string.
const maxFD = 65536

const listenBacklog = 6

// Config carries the constructor parameters of the server.
type Config struct {
	Port      int // 1024-65535
	TrigMode  int // 0=both LT, 1=client ET, 2=listen ET, 3=both ET
	TimeoutMS int // idle timeout per connection; <= 0 disables eviction
	OptLinger bool

	SQLHost     string
	SQLPort     int
	SQLUser     string
	SQLPassword string
	DBName      string
	ConnPoolNum int
	DisableDB   bool // serve static files only, no credential path

	ThreadNum int

	OpenLog      bool
	LogLevel     int
	LogQueueSize int

	SrcDir string // static file root; defaults to ./resources/
}

type WebServer struct {
	port      int
	timeoutMS int
	isClose   atomic.Bool

	listenFd    int
	listenEvent uint32
	connEvent   uint32
	srcDir      string

	epoller *engine.Epoller
	timer   *timer.Heap
	pool    *engine.WorkerPool
	sqlPool *sqlpool.Pool
	log     *logger.Log

	mu    sync.Mutex // guards users
	users map[int]*protocol.Conn

	wakeR, wakeW int // self-pipe that interrupts Wait on Stop
	done         chan struct{}
}

// New builds the server: logger, database pool, trigger modes, listen
// socket, epoll instance, timer heap, and worker pool. Any failure here is a
// fatal init error.
func New(cfg Config) (*WebServer, error) {
	s := &WebServer{
		port:      cfg.Port,
		timeoutMS: cfg.TimeoutMS,
		listenFd:  -1,
		users:     make(map[int]*protocol.Conn),
		done:      make(chan struct{}),
	}

	if cfg.OpenLog {
		l, err := logger.New(cfg.LogLevel, "./log", ".log", cfg.LogQueueSize)
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		s.log = l
	}

	s.srcDir = cfg.SrcDir
	if s.srcDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		s.srcDir = wd + "/resources/"
	}

	if !cfg.DisableDB {
		p, err := sqlpool.New(cfg.SQLHost, cfg.SQLPort, cfg.SQLUser, cfg.SQLPassword,
			cfg.DBName, cfg.ConnPoolNum)
		if err != nil {
			s.log.Errorf("sql pool init: %v", err)
			s.log.Close()
			return nil, fmt.Errorf("sql pool init: %w", err)
		}
		s.sqlPool = p
	}

	s.initEventMode(cfg.TrigMode)

	if err := s.initSocket(cfg.OptLinger); err != nil {
		s.log.Errorf("========== server init error: %v ==========", err)
		s.teardownInit()
		return nil, err
	}

	ep, err := engine.NewEpoller(0)
	if err != nil {
		s.teardownInit()
		return nil, err
	}
	s.epoller = ep

	var wake [2]int
	if err := unix.Pipe(wake[:]); err != nil {
		s.teardownInit()
		return nil, err
	}
	s.wakeR, s.wakeW = wake[0], wake[1]
	unix.SetNonblock(s.wakeR, true)
	if err := s.epoller.Add(s.wakeR, unix.EPOLLIN); err != nil {
		s.teardownInit()
		return nil, err
	}
	if err := s.epoller.Add(s.listenFd, s.listenEvent|unix.EPOLLIN); err != nil {
		s.log.Errorf("add listen: %v", err)
		s.teardownInit()
		return nil, err
	}

	s.timer = timer.New()
	s.pool = engine.NewWorkerPool(cfg.ThreadNum)

	s.log.Infof("========== server init ==========")
	s.log.Infof("port: %d, linger: %v", cfg.Port, cfg.OptLinger)
	s.log.Infof("listen mode: %s, conn mode: %s", trigName(s.listenEvent), trigName(s.connEvent))
	s.log.Infof("src dir: %s", s.srcDir)
	s.log.Infof("sql pool: %d, workers: %d", cfg.ConnPoolNum, cfg.ThreadNum)
	return s, nil
}

func trigName(events uint32) string {
	if events&unix.EPOLLET != 0 {
		return "ET"
	}
	return "LT"
}

// initEventMode sets the trigger mode for the listen and client sockets.
// Client sockets always carry one-shot semantics.
func (s *WebServer) initEventMode(trigMode int) {
	s.listenEvent = unix.EPOLLRDHUP
	s.connEvent = uint32(unix.EPOLLONESHOT) | unix.EPOLLRDHUP
	switch trigMode {
	case 0:
	case 1:
		s.connEvent |= unix.EPOLLET
	case 2:
		s.listenEvent |= unix.EPOLLET
	default:
		s.listenEvent |= unix.EPOLLET
		s.connEvent |= unix.EPOLLET
	}
}

func (s *WebServer) initSocket(optLinger bool) error {
	if s.port > 65535 || s.port < 1024 {
		return fmt.Errorf("port %d out of range", s.port)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}
	if optLinger {
		// Graceful close: block until pending data is sent or the linger
		// timeout expires.
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER,
			&unix.Linger{Onoff: 1, Linger: 1}); err != nil {
			unix.Close(fd)
			return fmt.Errorf("set linger: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.port}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind port %d: %w", s.port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen port %d: %w", s.port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	s.listenFd = fd
	s.log.Infof("server port: %d", s.port)
	return nil
}

// teardownInit releases what New built before the failure point.
func (s *WebServer) teardownInit() {
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
	}
	if s.epoller != nil {
		s.epoller.Close()
	}
	if s.sqlPool != nil {
		s.sqlPool.Close()
	}
	s.log.Close()
}

// Start runs the accept/dispatch loop until Stop. The loop computes the next
// timer deadline, blocks in epoll up to that long, and dispatches every
// ready entry.
func (s *WebServer) Start() {
	timeMS := -1
	s.log.Infof("========== server start ==========")
	for !s.isClose.Load() {
		if s.timeoutMS > 0 {
			timeMS = s.timer.NextTickMS()
		}
		n, err := s.epoller.Wait(timeMS)
		if err != nil {
			s.log.Errorf("epoll wait: %v", err)
			continue
		}
		for i := range n {
			fd := s.epoller.EventFd(i)
			events := s.epoller.Events(i)
			switch {
			case fd == s.listenFd:
				s.dealListen()
			case fd == s.wakeR:
				s.drainWake()
			case events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
				if c := s.getConn(fd); c != nil {
					s.closeConn(c)
				}
			case events&unix.EPOLLIN != 0:
				if c := s.getConn(fd); c != nil {
					s.dealRead(c)
				}
			case events&unix.EPOLLOUT != 0:
				if c := s.getConn(fd); c != nil {
					s.dealWrite(c)
				}
			default:
				s.log.Errorf("unexpected event %#x on fd %d", events, fd)
			}
		}
	}
	s.shutdown()
}

// Stop asks the reactor to exit and blocks until shutdown completes.
func (s *WebServer) Stop() {
	if s.isClose.Swap(true) {
		return
	}
	unix.Write(s.wakeW, []byte{1})
	<-s.done
}

func (s *WebServer) drainWake() {
	var buf [16]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *WebServer) getConn(fd int) *protocol.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[fd]
}

// dealListen accepts until EAGAIN in either trigger mode. A client arriving
// while the connection cap is reached is rejected and ends the accept loop.
func (s *WebServer) dealListen() {
	for {
		fd, sa, err := unix.Accept(s.listenFd)
		if err != nil {
			return
		}
		if protocol.UserCount() >= maxFD {
			s.sendError(fd, "Server busy!")
			s.log.Warnf("clients are full")
			return
		}
		s.addClient(fd, sockaddrString(sa))
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d",
			in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3], in4.Port)
	}
	return "unknown"
}

// sendError writes a brief error string to a socket that is being rejected
// and closes it.
func (s *WebServer) sendError(fd int, info string) {
	if _, err := unix.Write(fd, []byte(info)); err != nil {
		s.log.Warnf("send error to client[%d] failed", fd)
	}
	unix.Close(fd)
}

func (s *WebServer) addClient(fd int, addr string) {
	c := protocol.NewConn(s.srcDir, s.connEvent&unix.EPOLLET != 0, s.sqlPool, s.log)
	c.Init(fd, addr)
	s.mu.Lock()
	s.users[fd] = c
	s.mu.Unlock()

	if s.timeoutMS > 0 {
		s.timer.Add(fd, time.Duration(s.timeoutMS)*time.Millisecond, func() {
			s.closeConn(c)
		})
	}
	unix.SetNonblock(fd, true)
	if err := s.epoller.Add(fd, unix.EPOLLIN|s.connEvent); err != nil {
		s.log.Errorf("add client[%d]: %v", fd, err)
		s.mu.Lock()
		delete(s.users, fd)
		s.mu.Unlock()
		c.Close()
		return
	}
	s.log.Infof("client[%d] in", fd)
}

// closeConn removes the connection from the reactor and the table and runs
// its close path. Safe to call more than once for the same connection.
func (s *WebServer) closeConn(c *protocol.Conn) {
	s.log.Infof("client[%d] quit", c.Fd())
	s.epoller.Del(c.Fd())
	s.mu.Lock()
	delete(s.users, c.Fd())
	s.mu.Unlock()
	c.Close()
}

// extendTime pushes the connection's idle deadline out before a task is
// submitted, so the timer cannot fire while the task is outstanding.
func (s *WebServer) extendTime(c *protocol.Conn) {
	if s.timeoutMS > 0 {
		s.timer.Adjust(c.Fd(), time.Duration(s.timeoutMS)*time.Millisecond)
	}
}

func (s *WebServer) dealRead(c *protocol.Conn) {
	s.extendTime(c)
	s.pool.Submit(func() { s.onRead(c) })
}

func (s *WebServer) dealWrite(c *protocol.Conn) {
	s.extendTime(c)
	s.pool.Submit(func() { s.onWrite(c) })
}

func (s *WebServer) onRead(c *protocol.Conn) {
	n, err := c.Read()
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			s.closeConn(c)
			return
		}
	} else if n <= 0 {
		// Orderly shutdown from the peer.
		s.closeConn(c)
		return
	}
	s.onProcess(c)
}

// onProcess re-arms the connection: write interest when a response is ready,
// read interest when more input is needed.
func (s *WebServer) onProcess(c *protocol.Conn) {
	if c.Process() {
		s.epoller.Mod(c.Fd(), s.connEvent|unix.EPOLLOUT)
	} else {
		s.epoller.Mod(c.Fd(), s.connEvent|unix.EPOLLIN)
	}
}

func (s *WebServer) onWrite(c *protocol.Conn) {
	_, err := c.Write()
	if c.ToWriteBytes() == 0 {
		// Response fully delivered.
		if c.IsKeepAlive() {
			s.onProcess(c)
			return
		}
	} else if err != nil && errors.Is(err, unix.EAGAIN) {
		// Kernel buffer full: resume when writable again.
		s.epoller.Mod(c.Fd(), s.connEvent|unix.EPOLLOUT)
		return
	}
	s.closeConn(c)
}

// shutdown tears the server down in dependency order: no new events are
// dispatched (the loop has exited), outstanding worker tasks drain, then
// connections, timers, reactor, database pool, and log close.
func (s *WebServer) shutdown() {
	s.log.Infof("========== server stop ==========")
	unix.Close(s.listenFd)
	s.pool.Shutdown()

	s.mu.Lock()
	conns := make([]*protocol.Conn, 0, len(s.users))
	for _, c := range s.users {
		conns = append(conns, c)
	}
	s.users = make(map[int]*protocol.Conn)
	s.mu.Unlock()
	for _, c := range conns {
		s.epoller.Del(c.Fd())
		c.Close()
	}

	s.timer.Clear()
	s.epoller.Close()
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	if s.sqlPool != nil {
		s.sqlPool.Close()
	}
	s.log.Close()
	close(s.done)
}

// ConnCount returns the number of live connections in the table.
func (s *WebServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Port returns the bound listen port.
func (s *WebServer) Port() int { return s.port }
