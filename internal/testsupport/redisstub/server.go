// Package redisstub provides a minimal in-process Redis server speaking
// just enough RESP for the bridge tests: AUTH, PING, and the pub/sub
// command family, with optional TLS.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

// subscriber is one connection's subscription state. Its writer is shared
// between the connection's own command loop and publishers on other
// connections, so every write goes through the mutex.
type subscriber struct {
	mu       sync.Mutex
	writer   *bufio.Writer
	channels map[string]struct{}
	patterns map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:   opts,
		subs:   make(map[*subscriber]struct{}),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return nil, err
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) URL() string {
	scheme := "redis"
	if s.opts.EnableTLS {
		scheme = "rediss"
	}
	if s.opts.Password != "" {
		return fmt.Sprintf("%s://:%s@%s", scheme, s.opts.Password, s.addr)
	}
	return fmt.Sprintf("%s://%s", scheme, s.addr)
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

// SubscriberCount reports connections holding at least one subscription.
func (s *Server) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for sub := range s.subs {
		sub.mu.Lock()
		if len(sub.channels) > 0 || len(sub.patterns) > 0 {
			count++
		}
		sub.mu.Unlock()
	}
	return count
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	sub := &subscriber{
		writer:   bufio.NewWriter(conn),
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			sub.writeError("ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			sub.writeSimpleString("PONG")
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				sub.writeError("ERR wrong number of arguments for 'auth'")
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				sub.writeSimpleString("OK")
			} else {
				sub.writeError("WRONGPASS invalid username-password pair")
			}
		case "SELECT":
			sub.writeSimpleString("OK")
		case "HELLO", "CLIENT":
			// go-redis probes these during connection setup and falls
			// back gracefully when they error.
			sub.writeError(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
		default:
			if !authenticated {
				sub.writeError("NOAUTH Authentication required.")
				continue
			}
			s.dispatch(sub, args)
		}
	}
}

func (s *Server) dispatch(sub *subscriber, args []string) {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "SUBSCRIBE":
		if len(args) < 2 {
			sub.writeError("ERR wrong number of arguments for 'subscribe'")
			return
		}
		sub.mu.Lock()
		for _, channel := range args[1:] {
			sub.channels[channel] = struct{}{}
			sub.writeReplyLocked([]interface{}{"subscribe", channel, int64(len(sub.channels) + len(sub.patterns))})
		}
		sub.mu.Unlock()
	case "PSUBSCRIBE":
		if len(args) < 2 {
			sub.writeError("ERR wrong number of arguments for 'psubscribe'")
			return
		}
		sub.mu.Lock()
		for _, pattern := range args[1:] {
			sub.patterns[pattern] = struct{}{}
			sub.writeReplyLocked([]interface{}{"psubscribe", pattern, int64(len(sub.channels) + len(sub.patterns))})
		}
		sub.mu.Unlock()
	case "UNSUBSCRIBE":
		sub.mu.Lock()
		targets := args[1:]
		if len(targets) == 0 {
			for channel := range sub.channels {
				targets = append(targets, channel)
			}
		}
		for _, channel := range targets {
			delete(sub.channels, channel)
			sub.writeReplyLocked([]interface{}{"unsubscribe", channel, int64(len(sub.channels) + len(sub.patterns))})
		}
		sub.mu.Unlock()
	case "PUNSUBSCRIBE":
		sub.mu.Lock()
		targets := args[1:]
		if len(targets) == 0 {
			for pattern := range sub.patterns {
				targets = append(targets, pattern)
			}
		}
		for _, pattern := range targets {
			delete(sub.patterns, pattern)
			sub.writeReplyLocked([]interface{}{"punsubscribe", pattern, int64(len(sub.channels) + len(sub.patterns))})
		}
		sub.mu.Unlock()
	case "PUBLISH":
		if len(args) != 3 {
			sub.writeError("ERR wrong number of arguments for 'publish'")
			return
		}
		receivers := s.publish(args[1], args[2])
		sub.writeInteger(receivers)
	default:
		sub.writeError(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var receivers int64
	for _, sub := range subs {
		sub.mu.Lock()
		if _, ok := sub.channels[channel]; ok {
			sub.writeReplyLocked([]interface{}{"message", channel, payload})
			receivers++
		}
		for pattern := range sub.patterns {
			if matchPattern(pattern, channel) {
				sub.writeReplyLocked([]interface{}{"pmessage", pattern, channel, payload})
				receivers++
			}
		}
		sub.mu.Unlock()
	}
	return receivers
}

// matchPattern implements the glob subset Redis uses for pattern
// subscriptions: '*' and '?'.
func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return value == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(value); i++ {
			if matchPattern(pattern[1:], value[i:]) {
				return true
			}
		}
		return false
	case '?':
		return len(value) > 0 && matchPattern(pattern[1:], value[1:])
	default:
		return len(value) > 0 && pattern[0] == value[0] && matchPattern(pattern[1:], value[1:])
	}
}

func (sub *subscriber) writeSimpleString(value string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, "+%s\r\n", value)
	_ = sub.writer.Flush()
}

func (sub *subscriber) writeError(msg string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, "-%s\r\n", msg)
	_ = sub.writer.Flush()
}

func (sub *subscriber) writeInteger(value int64) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, ":%d\r\n", value)
	_ = sub.writer.Flush()
}

// writeReplyLocked renders a flat reply array. Callers hold sub.mu.
func (sub *subscriber) writeReplyLocked(values []interface{}) {
	fmt.Fprintf(sub.writer, "*%d\r\n", len(values))
	for _, value := range values {
		switch v := value.(type) {
		case string:
			fmt.Fprintf(sub.writer, "$%d\r\n%s\r\n", len(v), v)
		case int64:
			fmt.Fprintf(sub.writer, ":%d\r\n", v)
		default:
			rendered := fmt.Sprint(v)
			fmt.Fprintf(sub.writer, "$%d\r\n%s\r\n", len(rendered), rendered)
		}
	}
	_ = sub.writer.Flush()
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}
