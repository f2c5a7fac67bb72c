package protocol

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/renmale-lv/MyWebServer/server/buffer"
	"github.com/renmale-lv/MyWebServer/server/logger"
	"github.com/renmale-lv/MyWebServer/server/sqlpool"
)

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateFinish
)

var crlf = []byte("\r\n")

// defaultHTML holds the short names that gain an .html suffix.
var defaultHTML = map[string]struct{}{
	"/index":    {},
	"/register": {},
	"/login":    {},
	"/welcome":  {},
	"/video":    {},
	"picture":   {},
}

// defaultHTMLTag marks the POST targets that run the credential check;
// 1 is login, 0 is registration.
var defaultHTMLTag = map[string]int{
	"/register.html": 0,
	"/login.html":    1,
}

// Request is the per-connection HTTP request state machine. Parse drives it
// over the connection's read buffer one CRLF line at a time.
type Request struct {
	state parseState

	Method  string
	Path    string
	Version string
	Body    string
	Header  map[string]string
	Post    map[string]string

	pool *sqlpool.Pool
	log  *logger.Log
}

// NewRequest returns a Request wired to the given credential pool and log.
// A nil pool disables the login/registration path.
func NewRequest(pool *sqlpool.Pool, log *logger.Log) Request {
	return Request{
		state:  stateRequestLine,
		Header: make(map[string]string),
		Post:   make(map[string]string),
		pool:   pool,
		log:    log,
	}
}

// Init resets the state machine for the next request on the connection.
func (r *Request) Init() {
	r.state = stateRequestLine
	r.Method, r.Path, r.Version, r.Body = "", "", "", ""
	r.Header = make(map[string]string)
	r.Post = make(map[string]string)
}

// Parse consumes whole CRLF-delimited lines from the readable span. It
// returns false when the buffer is empty or the request line is malformed;
// everything else leaves the machine ready to resume on the next read.
func (r *Request) Parse(buf *buffer.Buffer) bool {
	if buf.ReadableBytes() <= 0 {
		return false
	}
	for buf.ReadableBytes() > 0 && r.state != stateFinish {
		readable := buf.Peek()
		lineEnd := bytes.Index(readable, crlf)
		var line string
		if lineEnd < 0 {
			line = string(readable)
		} else {
			line = string(readable[:lineEnd])
		}

		switch r.state {
		case stateRequestLine:
			if !r.parseRequestLine(line) {
				return false
			}
			r.parsePath()
		case stateHeaders:
			r.parseHeader(line)
			// The final CRLF is all that remains: no body follows.
			if buf.ReadableBytes() <= 2 {
				r.state = stateFinish
			}
		case stateBody:
			r.parseBody(line)
		}

		if lineEnd < 0 {
			break
		}
		buf.RetrieveUntil(lineEnd + 2)
	}
	r.log.Debugf("request [%s] [%s] [%s]", r.Method, r.Path, r.Version)
	return true
}

// IsKeepAlive reports whether the client asked to keep the connection open.
func (r *Request) IsKeepAlive() bool {
	return r.Header["Connection"] == "keep-alive" && r.Version == "1.1"
}

// GetPost returns a decoded form field, or "" when absent.
func (r *Request) GetPost(key string) string {
	return r.Post[key]
}

func (r *Request) parseRequestLine(line string) bool {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		r.log.Errorf("request line error: %q", line)
		return false
	}
	version, ok := strings.CutPrefix(parts[2], "HTTP/")
	if !ok {
		r.log.Errorf("request line error: %q", line)
		return false
	}
	r.Method, r.Path, r.Version = parts[0], parts[1], version
	r.state = stateHeaders
	return true
}

func (r *Request) parsePath() {
	if r.Path == "/" {
		r.Path = "/index.html"
		return
	}
	if _, ok := defaultHTML[r.Path]; ok {
		r.Path += ".html"
	}
}

func (r *Request) parseHeader(line string) {
	key, val, ok := strings.Cut(line, ":")
	if !ok {
		// First non-header line ends the header block.
		r.state = stateBody
		return
	}
	r.Header[key] = strings.TrimPrefix(val, " ")
}

func (r *Request) parseBody(line string) {
	r.Body = line
	r.parsePost()
	r.state = stateFinish
	r.log.Debugf("body: %q, len: %d", line, len(line))
}

func (r *Request) parsePost() {
	if r.Method != "POST" || r.Header["Content-Type"] != "application/x-www-form-urlencoded" {
		return
	}
	r.parseFromURLEncoded()
	tag, ok := defaultHTMLTag[r.Path]
	if !ok {
		return
	}
	isLogin := tag == 1
	if r.userVerify(r.Post["username"], r.Post["password"], isLogin) {
		r.Path = "/welcome.html"
	} else {
		r.Path = "/error.html"
	}
}

// parseFromURLEncoded decodes key=value pairs separated by '&', with '+' as
// space and %HH as the byte with hex value HH.
func (r *Request) parseFromURLEncoded() {
	if len(r.Body) == 0 {
		return
	}
	for _, pair := range strings.Split(r.Body, "&") {
		key, val, _ := strings.Cut(pair, "=")
		if key == "" {
			continue
		}
		r.Post[decodeForm(key)] = decodeForm(val)
	}
}

func decodeForm(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 < len(s) {
				b.WriteByte(convertHex(s[i+1])<<4 | convertHex(s[i+2]))
				i += 2
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func convertHex(ch byte) byte {
	switch {
	case ch >= 'A' && ch <= 'F':
		return ch - 'A' + 10
	case ch >= 'a' && ch <= 'f':
		return ch - 'a' + 10
	default:
		return ch - '0'
	}
}

// userVerify checks credentials against the user table. Login compares the
// submitted password against the stored bcrypt hash; registration inserts a
// new row with a hashed password and fails when the username is taken.
func (r *Request) userVerify(name, pwd string, isLogin bool) bool {
	if name == "" || pwd == "" || r.pool == nil {
		return false
	}
	r.log.Infof("verify user %q login:%v", name, isLogin)

	err := r.pool.With(context.Background(), func(c *sql.Conn) error {
		ctx := context.Background()
		var stored string
		err := c.QueryRowContext(ctx,
			"SELECT password FROM user WHERE username = ? LIMIT 1", name).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if isLogin {
				return errNoStoredUser
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			_, err = c.ExecContext(ctx,
				"INSERT INTO user(username, password) VALUES(?, ?)", name, string(hash))
			return err
		case err != nil:
			return err
		}
		if !isLogin {
			return errUserTaken
		}
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(pwd))
	})
	if err != nil {
		r.log.Debugf("verify user %q failed: %v", name, err)
		return false
	}
	return true
}
