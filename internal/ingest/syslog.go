package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"time"

	"idguard/internal/config"
	"idguard/internal/model"
)

const maxSyslogFrame = 64 * 1024

// reSyslogTag finds the program tag of an RFC 3164 or RFC 5424 message.
var reSyslogTag = regexp.MustCompile(`(?:^|\s)(sshd)(?:\[\d+\])?:?\s`)

type syslogServer struct {
	parser *SSHParser
	out    chan<- model.NormalizedEvent
	logger *slog.Logger
}

// StartSyslog accepts forwarded syslog traffic on UDP and TCP. Only messages
// tagged by sshd are handed to the SSH parser.
func StartSyslog(ctx context.Context, cfg *config.Manager, out chan<- model.NormalizedEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Syslog
	if !current.Enabled {
		if logger != nil {
			logger.Info("syslog ingest disabled")
		}
		return
	}
	srv := &syslogServer{parser: NewSSHParser(cfg.Get()), out: out, logger: logger}
	if current.UDPAddr != "" {
		pc, err := net.ListenPacket("udp", current.UDPAddr)
		if err != nil {
			srv.warn("syslog udp listen failed", "addr", current.UDPAddr, "err", err)
		} else {
			srv.info("syslog udp listening", "addr", pc.LocalAddr().String())
			go srv.servePackets(ctx, pc)
		}
	}
	if current.TCPAddr != "" {
		ln, err := net.Listen("tcp", current.TCPAddr)
		if err != nil {
			srv.warn("syslog tcp listen failed", "addr", current.TCPAddr, "err", err)
		} else {
			srv.info("syslog tcp listening", "addr", ln.Addr().String())
			go srv.serveStream(ctx, ln)
		}
	}
}

func (s *syslogServer) servePackets(ctx context.Context, pc net.PacketConn) {
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()
	buf := make([]byte, maxSyslogFrame)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.warn("syslog udp read failed", "err", err)
			continue
		}
		// one datagram may carry several newline separated messages
		for _, msg := range bytes.Split(buf[:n], []byte{'\n'}) {
			s.dispatch(ctx, string(msg))
		}
	}
}

func (s *syslogServer) serveStream(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.warn("syslog tcp accept failed", "err", err)
			if !BackoffSleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		go s.readFrames(ctx, conn)
	}
}

// readFrames handles both octet counted and newline delimited framing.
func (s *syslogServer) readFrames(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxSyslogFrame)
	sc.Split(splitSyslogFrame)
	for sc.Scan() {
		s.dispatch(ctx, sc.Text())
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		s.warn("syslog tcp stream ended", "remote", conn.RemoteAddr().String(), "err", err)
	}
}

// splitSyslogFrame is a bufio.SplitFunc for RFC 6587 streams. A frame that
// starts with a digit is "LEN SP MSG"; anything else runs to the next newline.
func splitSyslogFrame(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	if data[0] >= '1' && data[0] <= '9' {
		sp := bytes.IndexByte(data, ' ')
		if sp > 0 {
			if size, err := strconv.Atoi(string(data[:sp])); err == nil {
				end := sp + 1 + size
				if len(data) >= end {
					return end, bytes.TrimRight(data[sp+1:end], "\r\n"), nil
				}
				if !atEOF {
					return 0, nil, nil
				}
				return len(data), data[sp+1:], nil
			}
		} else if !atEOF && len(data) < 10 {
			return 0, nil, nil
		}
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *syslogServer) dispatch(ctx context.Context, msg string) {
	if msg == "" || !reSyslogTag.MatchString(msg) {
		return
	}
	if ev, ok := s.parser.ParseLine(msg); ok {
		SendNonBlocking(ctx, s.out, ev, s.logger)
	}
}

func (s *syslogServer) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *syslogServer) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
