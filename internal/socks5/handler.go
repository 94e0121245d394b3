package socks5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/socks5proxy/internal/logging"
	"github.com/postalsys/socks5proxy/internal/metrics"
)

// controlIdleTimeout bounds handshake and request reads; it is never
// applied to the tunnelled data path, which may sit idle indefinitely.
const controlIdleTimeout = 30 * time.Second

// Handler drives one accepted connection through method negotiation,
// request parsing, and dispatch to either a TCP tunnel or a UDP relay.
// It supports only the "no authentication required" method; GSSAPI and
// username/password negotiation are not implemented.
type Handler struct {
	conn     net.Conn
	dialer   net.Dialer
	dnsCache *DNSCache
	friendly *FriendlyNames
	metrics  *metrics.Metrics
	logger   *slog.Logger

	udpBindIP        net.IP
	onUDPAssociation func(delta int64)
}

// NewHandler constructs a Handler for an already-accepted connection.
// udpBindIP is the address family hint used when opening a UDP relay
// socket for UDP_ASSOCIATE requests (normally the listener's bind IP).
// onUDPAssociation, if non-nil, is called with +1 when a UDP_ASSOCIATE
// relay starts and -1 when it ends, letting the supervisor track live
// association counts without polling the handler.
func NewHandler(conn net.Conn, dnsCache *DNSCache, friendly *FriendlyNames, m *metrics.Metrics, logger *slog.Logger, udpBindIP net.IP, onUDPAssociation func(delta int64)) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		conn:             conn,
		dnsCache:         dnsCache,
		friendly:         friendly,
		metrics:          m,
		logger:           logger,
		udpBindIP:        udpBindIP,
		onUDPAssociation: onUDPAssociation,
	}
}

// Serve runs the connection's state machine to completion. It always
// closes conn before returning.
func (h *Handler) Serve(ctx context.Context) {
	defer h.conn.Close()

	if h.metrics != nil {
		h.metrics.RecordConnectionOpen()
		defer h.metrics.RecordConnectionClose()
	}

	clientAddr := h.conn.RemoteAddr().String()
	log := h.logger.With(logging.KeyComponent, "handler", logging.KeyClientAddr, clientAddr)

	if tc, ok := h.conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if err := h.handshake(); err != nil {
		log.Warn("handshake failed", logging.KeyError, err)
		return
	}

	h.setControlDeadline()
	req, err := ReadRequest(h.conn)
	h.clearDeadline()
	if err != nil {
		log.Warn("request parsing failed", logging.KeyError, err)
		var rep byte = ReplyGeneralFailure
		if errors.Is(err, errUnsupportedAddrType) {
			rep = ReplyAddrNotSupported
		}
		h.recordReply(rep)
		WriteReply(h.conn, rep, nil, 0)
		return
	}

	dest := h.destinationString(req)

	switch req.Command {
	case CmdConnect:
		h.handleConnect(ctx, log, req, dest)
	case CmdUDPAssociate:
		h.handleUDPAssociate(ctx, log, clientAddr)
	default:
		log.Warn("unsupported command", logging.KeyCommand, req.Command)
		h.recordReply(ReplyCmdNotSupported)
		WriteReply(h.conn, ReplyCmdNotSupported, nil, 0)
	}
}

// handshake reads the method negotiation message and replies. Only
// no-auth is ever selected; any other offer set gets 0xFF and the
// connection is torn down by the caller.
func (h *Handler) handshake() error {
	h.setControlDeadline()
	defer h.clearDeadline()

	req, err := ReadMethodRequest(h.conn)
	if err != nil {
		return err
	}

	method := SelectMethod(req)
	if err := WriteMethodReply(h.conn, method); err != nil {
		return err
	}
	if method == MethodNoAcceptable {
		return errors.New("socks5: no acceptable authentication method offered")
	}
	return nil
}

func (h *Handler) handleConnect(ctx context.Context, log *slog.Logger, req *Request, dest string) {
	target := req.Addr
	if req.IP == nil {
		resolved, err := h.dnsCache.Resolve(ctx, req.Addr)
		if err != nil {
			log.Warn("dns resolution failed", logging.KeyDestination, dest, logging.KeyError, err)
			h.failConnect(ReplyHostUnreachable)
			return
		}
		target = resolved.String()
	}

	start := time.Now()
	upstream, err := h.dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, fmt.Sprintf("%d", req.Port)))
	if h.metrics != nil {
		h.metrics.RecordConnectLatency(time.Since(start).Seconds())
	}
	if err != nil {
		rep := replyForDialError(err)
		log.Warn("connect failed", logging.KeyDestination, dest, logging.KeyReply, rep, logging.KeyError, err)
		h.failConnect(rep)
		return
	}
	defer upstream.Close()

	bindAddr, _ := upstream.LocalAddr().(*net.TCPAddr)
	if err := h.sendSuccessReply(bindAddr); err != nil {
		log.Warn("failed writing connect reply", logging.KeyError, err)
		return
	}

	log.Info("tunnel established", logging.KeyDestination, dest+h.friendly.SuffixForAddr(req.Addr))

	var bytesUp, bytesDown int64
	onUp := func(n int64) {
		bytesUp += n
		if h.metrics != nil {
			h.metrics.RecordBytes("up", n)
		}
	}
	onDown := func(n int64) {
		bytesDown += n
		if h.metrics != nil {
			h.metrics.RecordBytes("down", n)
		}
	}

	if err := Tunnel(ctx, h.conn, upstream, onUp, onDown); err != nil {
		log.Warn("tunnel closed with error", logging.KeyDestination, dest, logging.KeyError, err)
	}

	log.Info("tunnel closed",
		logging.KeyDestination, dest,
		logging.KeyBytesIn, humanize.Bytes(uint64(bytesUp)),
		logging.KeyBytesOut, humanize.Bytes(uint64(bytesDown)))
}

func (h *Handler) failConnect(rep byte) {
	h.recordReply(rep)
	WriteReply(h.conn, rep, nil, 0)
}

func (h *Handler) sendSuccessReply(bindAddr *net.TCPAddr) error {
	h.recordReply(ReplySucceeded)
	if bindAddr == nil {
		return WriteReply(h.conn, ReplySucceeded, nil, 0)
	}
	return WriteReply(h.conn, ReplySucceeded, bindAddr.IP, uint16(bindAddr.Port))
}

func (h *Handler) handleUDPAssociate(ctx context.Context, log *slog.Logger, clientAddr string) {
	tcpAddr, ok := h.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		log.Warn("udp associate on non-tcp connection")
		h.recordReply(ReplyGeneralFailure)
		WriteReply(h.conn, ReplyGeneralFailure, nil, 0)
		return
	}

	associationID := fmt.Sprintf("%s-udp", clientAddr)
	relay, err := NewUDPRelay(h.udpBindIP, tcpAddr.IP, h.dnsCache, h.metrics, h.logger, h.friendly, associationID)
	if err != nil {
		log.Warn("failed opening udp relay socket", logging.KeyError, err)
		h.recordReply(ReplyGeneralFailure)
		WriteReply(h.conn, ReplyGeneralFailure, nil, 0)
		return
	}
	defer relay.Close()

	bindAddr := relay.LocalAddr()
	if err := h.sendSuccessReply(&net.TCPAddr{IP: bindAddr.IP, Port: bindAddr.Port}); err != nil {
		log.Warn("failed writing udp associate reply", logging.KeyError, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordUDPAssociationOpen()
		defer h.metrics.RecordUDPAssociationClose()
	}
	if h.onUDPAssociation != nil {
		h.onUDPAssociation(1)
		defer h.onUDPAssociation(-1)
	}

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayDone := make(chan struct{})
	go func() {
		relay.Run(relayCtx)
		close(relayDone)
	}()

	log.Info("udp association active", logging.KeyAssociation, associationID, logging.KeyBoundAddr, bindAddr.String())

	// The control connection stays open for the lifetime of the
	// association; any read (including EOF on client close) ends it.
	buf := make([]byte, 1)
	h.conn.Read(buf)

	cancel()
	<-relayDone

	log.Info("udp association closed", logging.KeyAssociation, associationID)
}

func (h *Handler) destinationString(req *Request) string {
	return net.JoinHostPort(req.Addr, fmt.Sprintf("%d", req.Port))
}

func (h *Handler) recordReply(code byte) {
	if h.metrics != nil {
		h.metrics.RecordReply(code)
	}
}

func (h *Handler) setControlDeadline() {
	h.conn.SetDeadline(time.Now().Add(controlIdleTimeout))
}

func (h *Handler) clearDeadline() {
	h.conn.SetDeadline(time.Time{})
}
