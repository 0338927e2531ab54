package lurepot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/producer"
)

// acceptWait is how long a connection over the ceiling may wait for a slot
// before it is turned away.
const acceptWait = 100 * time.Millisecond

func (s *Supervisor) startTCP(ctx context.Context, ri *runningInstance) error {
	var (
		listener net.Listener
		err      error
	)
	if ri.inst.Protocol == config.ProtoHTTPS {
		cert, cerr := tls.LoadX509KeyPair(ri.inst.TLSCert, ri.inst.TLSKey)
		if cerr != nil {
			return &config.Error{Field: "tls_cert", Reason: cerr.Error()}
		}
		listener, err = tls.Listen("tcp", ri.inst.Address(), &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		listener, err = net.Listen("tcp", ri.inst.Address())
	}
	if err != nil {
		return &BindError{Addr: ri.inst.Address(), Err: err}
	}
	ri.closer = listener.Close

	ri.wg.Add(1)
	go func() {
		defer ri.wg.Done()
		defer s.recoverListener(ri)
		s.acceptLoop(ctx, ri, listener)
	}()
	return nil
}

// recoverListener is the supervisor boundary for a listener loop: a fault
// inside the loop marks its instance dead with the panic recorded as the
// last error, and never takes the process down.
func (s *Supervisor) recoverListener(ri *runningInstance) {
	if r := recover(); r != nil {
		s.logger.Error("listener crashed",
			slog.String("id", ri.id),
			slog.String("protocol", string(ri.inst.Protocol)),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())),
		)
		s.markFailed(ri, fmt.Errorf("listener crashed: %v", r))
	}
}

func (s *Supervisor) acceptLoop(ctx context.Context, ri *runningInstance, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Debug("accept failed", slog.String("protocol", string(ri.inst.Protocol)), producer.ErrAttr(err))
			continue
		}

		select {
		case ri.sem <- struct{}{}:
		case <-time.After(acceptWait):
			// over the ceiling and nothing freed up in time
			s.logger.Warn("connection ceiling reached, rejecting",
				slog.String("protocol", string(ri.inst.Protocol)),
				slog.String("remote", conn.RemoteAddr().String()),
			)
			conn.Close()
			continue
		case <-ctx.Done():
			conn.Close()
			return
		}

		ri.wg.Add(1)
		go func() {
			defer ri.wg.Done()
			defer func() { <-ri.sem }()
			s.handleTCPConn(ctx, ri, conn)
		}()
	}
}

// handleTCPConn runs one protocol handler inside a bulkhead: a panicking
// handler loses its own connection and nothing else.
func (s *Supervisor) handleTCPConn(ctx context.Context, ri *runningInstance, conn net.Conn) {
	ri.track(conn)
	defer ri.untrack(conn)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				slog.String("protocol", string(ri.inst.Protocol)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			conn.Close()
		}
	}()

	md, err := s.conntable.RegisterConn(conn, &ri.inst)
	if err != nil {
		s.logger.Debug("failed to register connection", producer.ErrAttr(err))
		conn.Close()
		return
	}
	s.logger.Debug("new connection",
		slog.String("protocol", string(ri.inst.Protocol)),
		slog.String("src_ip", md.SrcIP),
		slog.String("src_port", md.SrcPort),
		slog.Int("visits", md.Visits),
	)

	if err := s.UpdateConnectionTimeout(ctx, conn); err != nil {
		conn.Close()
		return
	}
	handler := s.tcpHandlers[ri.inst.Protocol]
	if err := handler(ctx, conn, md, s.logger, s); err != nil {
		s.logger.Debug("handler finished with error",
			slog.String("protocol", string(ri.inst.Protocol)),
			producer.ErrAttr(err),
		)
	}
}

func (s *Supervisor) startUDP(ctx context.Context, ri *runningInstance) error {
	addr, err := net.ResolveUDPAddr("udp", ri.inst.Address())
	if err != nil {
		return &config.Error{Field: "addr", Reason: err.Error()}
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return &BindError{Addr: ri.inst.Address(), Err: err}
	}
	ri.closer = pc.Close

	ri.wg.Add(1)
	go func() {
		defer ri.wg.Done()
		defer s.recoverListener(ri)
		s.datagramLoop(ctx, ri, pc, addr)
	}()
	return nil
}

func (s *Supervisor) datagramLoop(ctx context.Context, ri *runningInstance, pc *net.UDPConn, dstAddr *net.UDPAddr) {
	buffer := make([]byte, 64*1024)
	for {
		n, srcAddr, err := pc.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Debug("udp read failed", slog.String("protocol", string(ri.inst.Protocol)), producer.ErrAttr(err))
			continue
		}

		// one concurrency unit per datagram, bounded like the TCP accept
		// path; over the ceiling the packet is dropped, never queued
		select {
		case ri.sem <- struct{}{}:
		default:
			s.logger.Warn("datagram ceiling reached, dropping",
				slog.String("protocol", string(ri.inst.Protocol)),
				slog.String("remote", srcAddr.String()),
			)
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		ri.wg.Add(1)
		go func() {
			defer ri.wg.Done()
			defer func() { <-ri.sem }()
			s.handleDatagram(ctx, ri, pc, srcAddr, dstAddr, data)
		}()
	}
}

// handleDatagram runs one datagram handler inside the same bulkhead a TCP
// connection gets: a panicking handler loses its own packet and nothing else.
func (s *Supervisor) handleDatagram(ctx context.Context, ri *runningInstance, pc *net.UDPConn, srcAddr, dstAddr *net.UDPAddr, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				slog.String("protocol", string(ri.inst.Protocol)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	md, err := s.conntable.Register(srcAddr.IP.String(), strconv.Itoa(srcAddr.Port), &ri.inst)
	if err != nil {
		s.logger.Debug("failed to register flow", producer.ErrAttr(err))
		return
	}

	handler := s.udpHandlers[ri.inst.Protocol]
	reply, err := handler(ctx, srcAddr, dstAddr, data, md, s.logger, s)
	if err != nil {
		s.logger.Debug("handler finished with error",
			slog.String("protocol", string(ri.inst.Protocol)),
			producer.ErrAttr(err),
		)
	}
	if len(reply) > 0 {
		if _, err := pc.WriteToUDP(reply, srcAddr); err != nil {
			s.logger.Debug("udp write failed", producer.ErrAttr(err))
		}
	}
}
