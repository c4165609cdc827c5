package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// releaseIfOwner deletes KEYS[1] only while it still holds ARGV[1].
const releaseIfOwner = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// RESP reply prefixes understood by the client.
const (
	respStatus  = '+'
	respError   = '-'
	respInteger = ':'
	respBulk    = '$'
)

// ValkeyConfig holds connection parameters for the Valkey server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	PoolSize     int
	TLS          bool
}

// ValkeyProvider implements Provider against a Valkey or Redis compatible server.
// Authenticated connections are kept in a small idle pool.
type ValkeyProvider struct {
	cfg  ValkeyConfig
	idle chan *valkeyConn

	mu     sync.Mutex
	closed bool
}

// NewValkeyProvider pings the server so bad credentials fail at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	applyValkeyDefaults(&cfg)
	p := &ValkeyProvider{cfg: cfg, idle: make(chan *valkeyConn, cfg.PoolSize)}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if !reply.is(respStatus, "PONG") {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return p, nil
}

func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", []byte(key))
	if err != nil {
		return nil, err
	}
	if reply.null {
		return nil, ErrCacheMiss
	}
	if reply.kind != respBulk {
		return nil, fmt.Errorf("unexpected GET reply %q", reply.kind)
	}
	return reply.data, nil
}

func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply, err := p.do(ctx, "SET", setArgs(key, value, ttl, false)...)
	if err != nil {
		return err
	}
	if !reply.is(respStatus, "OK") {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// SetNX uses SET NX so the write and the expiry are atomic.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	reply, err := p.do(ctx, "SET", setArgs(key, value, ttl, true)...)
	if err != nil {
		return false, err
	}
	switch {
	case reply.null:
		return false, nil
	case reply.kind == respStatus:
		return true, nil
	default:
		return false, fmt.Errorf("unexpected SET NX reply %q", reply.kind)
	}
}

func (p *ValkeyProvider) DelIfEquals(ctx context.Context, key string, value []byte) (bool, error) {
	reply, err := p.do(ctx, "EVAL", []byte(releaseIfOwner), []byte("1"), []byte(key), value)
	if err != nil {
		return false, err
	}
	if reply.kind != respInteger {
		return false, fmt.Errorf("unexpected EVAL reply %q", reply.kind)
	}
	return string(reply.data) == "1", nil
}

func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", []byte(key))
	return err
}

// Close drops every idle connection. Later calls dial without pooling.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case vc := <-p.idle:
			vc.close()
		default:
			return nil
		}
	}
}

// do runs one command, retrying network failures with exponential backoff.
// A pooled connection the server already closed surfaces as io.EOF and is retried on a fresh one.
func (p *ValkeyProvider) do(ctx context.Context, command string, args ...[]byte) (respReply, error) {
	backoff := wait.Backoff{Duration: 25 * time.Millisecond, Factor: 2, Steps: p.cfg.MaxRetries}
	for {
		reply, err := p.roundTrip(ctx, command, args)
		if err == nil || !retryable(err) || backoff.Steps <= 1 {
			return reply, err
		}
		select {
		case <-ctx.Done():
			return respReply{}, ctx.Err()
		case <-time.After(backoff.Step()):
		}
	}
}

func (p *ValkeyProvider) roundTrip(ctx context.Context, command string, args [][]byte) (respReply, error) {
	vc, err := p.acquire(ctx)
	if err != nil {
		return respReply{}, err
	}
	reply, err := vc.exec(command, args)
	var serverErr *valkeyError
	if err != nil && !errors.As(err, &serverErr) {
		vc.close()
		return respReply{}, err
	}
	p.release(vc)
	return reply, err
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*valkeyConn, error) {
	select {
	case vc := <-p.idle:
		return vc, nil
	default:
	}
	vc, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.handshake(vc); err != nil {
		vc.close()
		return nil, err
	}
	return vc, nil
}

func (p *ValkeyProvider) release(vc *valkeyConn) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		vc.close()
		return
	}
	select {
	case p.idle <- vc:
	default:
		vc.close()
	}
}

func (p *ValkeyProvider) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName(p.cfg.Addr)}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &valkeyConn{
		conn:         conn,
		r:            bufio.NewReader(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}, nil
}

func (p *ValkeyProvider) handshake(vc *valkeyConn) error {
	if p.cfg.Password != "" {
		args := [][]byte{[]byte(p.cfg.Password)}
		if p.cfg.Username != "" {
			args = [][]byte{[]byte(p.cfg.Username), []byte(p.cfg.Password)}
		}
		if reply, err := vc.exec("AUTH", args); err != nil || !reply.is(respStatus, "OK") {
			return fmt.Errorf("valkey auth: %w", orUnexpected(err, reply))
		}
	}
	if p.cfg.DB > 0 {
		if reply, err := vc.exec("SELECT", [][]byte{[]byte(strconv.Itoa(p.cfg.DB))}); err != nil || !reply.is(respStatus, "OK") {
			return fmt.Errorf("valkey select: %w", orUnexpected(err, reply))
		}
	}
	return nil
}

type respReply struct {
	kind byte
	data []byte
	null bool
}

func (r respReply) is(kind byte, text string) bool {
	return r.kind == kind && string(r.data) == text
}

// valkeyError is an error reply. The connection stays usable after one.
type valkeyError struct{ msg string }

func (e *valkeyError) Error() string { return e.msg }

type valkeyConn struct {
	conn         net.Conn
	r            *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (vc *valkeyConn) close() { _ = vc.conn.Close() }

func (vc *valkeyConn) exec(command string, args [][]byte) (respReply, error) {
	if err := vc.conn.SetWriteDeadline(time.Now().Add(vc.writeTimeout)); err != nil {
		return respReply{}, err
	}
	if _, err := vc.conn.Write(encodeCommand(command, args)); err != nil {
		return respReply{}, err
	}
	if err := vc.conn.SetReadDeadline(time.Now().Add(vc.readTimeout)); err != nil {
		return respReply{}, err
	}
	return vc.read()
}

func (vc *valkeyConn) read() (respReply, error) {
	line, err := vc.r.ReadSlice('\n')
	if err != nil {
		return respReply{}, err
	}
	if len(line) < 3 || line[len(line)-2] != '\r' {
		return respReply{}, fmt.Errorf("malformed RESP line %q", line)
	}
	kind, body := line[0], string(line[1:len(line)-2])

	switch kind {
	case respStatus, respInteger:
		return respReply{kind: kind, data: []byte(body)}, nil
	case respError:
		return respReply{}, &valkeyError{msg: body}
	case respBulk:
		size, err := strconv.Atoi(body)
		if err != nil {
			return respReply{}, fmt.Errorf("bulk length: %w", err)
		}
		if size < 0 {
			return respReply{kind: respBulk, null: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(vc.r, buf); err != nil {
			return respReply{}, err
		}
		return respReply{kind: respBulk, data: buf[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", kind)
	}
}

func encodeCommand(command string, args [][]byte) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)+1), 10)
	buf = append(buf, '\r', '\n')
	buf = appendBulk(buf, []byte(command))
	for _, arg := range args {
		buf = appendBulk(buf, arg)
	}
	return buf
}

func appendBulk(buf, part []byte) []byte {
	buf = append(buf, respBulk)
	buf = strconv.AppendInt(buf, int64(len(part)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, part...)
	return append(buf, '\r', '\n')
}

func setArgs(key string, value []byte, ttl time.Duration, onlyIfAbsent bool) [][]byte {
	args := [][]byte{[]byte(key), value}
	if ttl > 0 {
		args = append(args, []byte("PX"), strconv.AppendInt(nil, ttl.Milliseconds(), 10))
	}
	if onlyIfAbsent {
		args = append(args, []byte("NX"))
	}
	return args
}

func applyValkeyDefaults(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
}

func retryable(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func orUnexpected(err error, reply respReply) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected reply %q", reply.data)
}

func serverName(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
