// Package ssh is the SSH gateway: one listener multiplexing shell, exec,
// SFTP, and TCP forwarding into session sandboxes. The username on the
// handshake is the session ID and is the only routing input; there is no
// client authentication because the gateway fronts sandboxes, not hosts.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	gossh "golang.org/x/crypto/ssh"
	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/store"
)

// Config holds the gateway's listen address and host key location.
type Config struct {
	Addr        string
	HostKeyPath string
}

// Server accepts SSH connections and bridges their channels into sandboxes.
type Server struct {
	cfg      Config
	store    *store.Store
	provider sandbox.Provider
	logger   *logger.Logger
	sshCfg   *gossh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	conns    map[*gossh.ServerConn]struct{}
}

// NewServer creates the gateway, loading or generating the host key.
func NewServer(cfg Config, st *store.Store, provider sandbox.Provider, log *logger.Logger) (*Server, error) {
	signer, err := loadOrGenerateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, err
	}
	sshCfg := &gossh.ServerConfig{NoClientAuth: true}
	sshCfg.AddHostKey(signer)
	return &Server{
		cfg:      cfg,
		store:    st,
		provider: provider,
		logger:   log.WithFields(zap.String("component", "gateway.ssh")),
		sshCfg:   sshCfg,
		conns:    make(map[*gossh.ServerConn]struct{}),
	}, nil
}

// Start begins accepting connections. It returns once the listener is bound;
// accepted connections are served until Stop.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("ssh gateway listening", zap.String("addr", s.cfg.Addr))

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.WithError(err).Warn("ssh accept failed")
				}
				return
			}
			go s.handleConn(ctx, conn)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or nil before Start. With a ":0"
// configured address this is where the kernel actually put the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) track(conn *gossh.ServerConn) func() {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	sshConn, chans, reqs, err := gossh.NewServerConn(raw, s.sshCfg)
	if err != nil {
		_ = raw.Close()
		return
	}
	defer func() { _ = sshConn.Close() }()
	untrack := s.track(sshConn)
	defer untrack()

	sessionID := sshConn.User()
	if err := s.checkSession(ctx, sessionID); err != nil {
		s.logger.Debug("ssh routing rejected",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	log := s.logger.WithFields(zap.String("session_id", sessionID))
	log.Info("ssh connection established", zap.String("remote", raw.RemoteAddr().String()))

	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			go s.handleSession(ctx, log, sessionID, newChannel)
		case "direct-tcpip":
			go s.handleDirectTCPIP(ctx, log, sessionID, newChannel)
		default:
			_ = newChannel.Reject(gossh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// checkSession requires the username to name a session whose sandbox is
// running.
func (s *Server) checkSession(ctx context.Context, sessionID string) error {
	if !model.ValidID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionRunning {
		return fmt.Errorf("session is %s", sess.Status)
	}
	inst, err := s.provider.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if inst.Status != sandbox.StatusRunning {
		return sandbox.ErrNotRunning
	}
	return nil
}

// execUser resolves the sandbox's default uid:gid. Empty string falls back
// to the image default user.
func (s *Server) execUser(ctx context.Context, sessionID string) string {
	info, err := s.provider.UserInfo(ctx, sessionID)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", info.UID, info.GID)
}

func (s *Server) handleSession(ctx context.Context, log *logger.Logger, sessionID string, newChannel gossh.NewChannel) {
	ch, reqs, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer func() { _ = ch.Close() }()

	env := make(map[string]string)
	var pty ptyRequest
	hasPTY := false

	var mu sync.Mutex
	var current sandbox.PTY

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			pty = parsePTYReq(req.Payload)
			hasPTY = true
			if pty.Term != "" {
				env["TERM"] = pty.Term
			}
			reply(req, true)
		case "env":
			if name, value, ok := parseEnv(req.Payload); ok {
				env[name] = value
			}
			reply(req, true)
		case "shell":
			mu.Lock()
			busy := current != nil
			mu.Unlock()
			if busy {
				reply(req, false)
				continue
			}
			opts := sandbox.AttachOptions{
				Env:  env,
				User: s.execUser(ctx, sessionID),
			}
			if hasPTY {
				opts.Rows = uint16(pty.Rows)
				opts.Cols = uint16(pty.Cols)
			}
			p, err := s.provider.Attach(ctx, sessionID, opts)
			if err != nil {
				log.WithError(err).Warn("ssh shell attach failed")
				reply(req, false)
				continue
			}
			mu.Lock()
			current = p
			mu.Unlock()
			reply(req, true)
			go func() {
				s.bridgePTY(ctx, ch, p)
				_ = ch.Close()
			}()
		case "exec":
			command := parseString(req.Payload)
			if command == "" {
				reply(req, false)
				continue
			}
			reply(req, true)
			go func() {
				s.runExec(ctx, log, ch, sessionID, command, env)
				_ = ch.Close()
			}()
		case "subsystem":
			if parseString(req.Payload) != "sftp" {
				reply(req, false)
				continue
			}
			stream, err := s.provider.ExecStream(ctx, sessionID,
				[]string{"/usr/lib/openssh/sftp-server"},
				sandbox.ExecOptions{User: s.execUser(ctx, sessionID)})
			if err != nil {
				log.WithError(err).Warn("sftp subsystem failed")
				reply(req, false)
				continue
			}
			reply(req, true)
			go func() {
				code := bridgeStream(ctx, ch, stream)
				sendExitStatus(ch, code)
				_ = ch.Close()
			}()
		case "window-change":
			wc := parseWindowChange(req.Payload)
			mu.Lock()
			p := current
			mu.Unlock()
			if p != nil && wc.Rows > 0 && wc.Cols > 0 {
				_ = p.Resize(uint16(wc.Rows), uint16(wc.Cols))
			}
		default:
			reply(req, false)
		}
	}
}

// bridgePTY pumps bytes between the channel and the PTY, draining all
// pending output before the exit status goes out.
func (s *Server) bridgePTY(ctx context.Context, ch gossh.Channel, p sandbox.PTY) {
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		_, _ = io.Copy(ch, p)
	}()
	go func() {
		_, _ = io.Copy(p, ch)
		_ = p.Close()
	}()

	code, err := p.Wait(ctx)
	if err != nil {
		code = 255
	}
	<-outDone
	sendExitStatus(ch, code)
}

func (s *Server) runExec(ctx context.Context, log *logger.Logger, ch gossh.Channel, sessionID, command string, env map[string]string) {
	res, err := s.provider.Exec(ctx, sessionID, []string{"/bin/sh", "-c", command}, sandbox.ExecOptions{
		Env:  env,
		User: s.execUser(ctx, sessionID),
	})
	if err != nil {
		log.WithError(err).Debug("ssh exec failed", zap.String("command", command))
		_, _ = fmt.Fprintf(ch.Stderr(), "exec failed: %v\n", err)
		sendExitStatus(ch, 255)
		return
	}
	if len(res.Stdout) > 0 {
		_, _ = ch.Write(res.Stdout)
	}
	if len(res.Stderr) > 0 {
		_, _ = ch.Stderr().Write(res.Stderr)
	}
	sendExitStatus(ch, res.ExitCode)
}

func (s *Server) handleDirectTCPIP(ctx context.Context, log *logger.Logger, sessionID string, newChannel gossh.NewChannel) {
	dest := parseDirectTCPIP(newChannel.ExtraData())
	if dest.DestHost == "" || dest.DestPort == 0 {
		_ = newChannel.Reject(gossh.Prohibited, "malformed direct-tcpip request")
		return
	}

	stream, err := s.provider.ExecStream(ctx, sessionID,
		[]string{"socat", "-", fmt.Sprintf("TCP:%s:%d", dest.DestHost, dest.DestPort)},
		sandbox.ExecOptions{})
	if err != nil {
		log.WithError(err).Debug("direct-tcpip dial failed",
			zap.String("dest", fmt.Sprintf("%s:%d", dest.DestHost, dest.DestPort)))
		_ = newChannel.Reject(gossh.ConnectionFailed, "connection failed")
		return
	}

	ch, reqs, err := newChannel.Accept()
	if err != nil {
		_ = stream.Close()
		return
	}
	go gossh.DiscardRequests(reqs)

	bridgeStream(ctx, ch, stream)
	_ = ch.Close()
}

// bridgeStream pumps bytes between a channel and an exec stream, half-closing
// the stream on channel EOF so the remote command sees end of input, and
// returns the command's exit code after output drains.
func bridgeStream(ctx context.Context, ch gossh.Channel, stream sandbox.Stream) int {
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		_, _ = io.Copy(ch, stream)
	}()
	go func() {
		_, _ = io.Copy(stream, ch)
		_ = stream.CloseWrite()
	}()

	code, err := stream.Wait(ctx)
	if err != nil {
		code = 255
	}
	<-outDone
	_ = stream.Close()
	return code
}

func reply(req *gossh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

func sendExitStatus(ch gossh.Channel, code int) {
	payload := gossh.Marshal(struct{ Status uint32 }{uint32(code)})
	_, _ = ch.SendRequest("exit-status", false, payload)
}
