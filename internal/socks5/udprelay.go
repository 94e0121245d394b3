package socks5

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/socks5proxy/internal/logging"
	"github.com/postalsys/socks5proxy/internal/metrics"
)

// udpReceiveBufSize is sized for the largest possible UDP payload; actual
// datagrams are almost always far smaller.
const udpReceiveBufSize = 65507

var udpBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, udpReceiveBufSize)
		return &buf
	},
}

// UDPRelay owns the UDP socket for one UDP_ASSOCIATE association. It
// parses datagram headers from the client, resolves and forwards
// payloads to remote destinations, and wraps remote replies back to the
// client, per the learned-endpoint policy documented in SPEC_FULL.md §9:
// adopt the client's UDP endpoint on first IP match, then accept only
// from that learned endpoint; server-to-client datagrams are dropped
// until it has been established.
type UDPRelay struct {
	conn        *net.UDPConn
	clientIP    net.IP
	dnsCache    *DNSCache
	metrics     *metrics.Metrics
	logger      *slog.Logger
	friendly    *FriendlyNames
	associationID string

	mu                sync.Mutex
	learnedClientAddr *net.UDPAddr
}

// NewUDPRelay opens a UDP socket bound to bindIP (matching the TCP
// listener's address family) on an ephemeral port.
func NewUDPRelay(bindIP net.IP, clientIP net.IP, dnsCache *DNSCache, m *metrics.Metrics, logger *slog.Logger, friendly *FriendlyNames, associationID string) (*UDPRelay, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP})
	if err != nil {
		return nil, err
	}

	return &UDPRelay{
		conn:          conn,
		clientIP:      clientIP,
		dnsCache:      dnsCache,
		metrics:       m,
		logger:        logger,
		friendly:      friendly,
		associationID: associationID,
	}, nil
}

// LocalAddr returns the relay socket's bound address, reported back to
// the client in the UDP_ASSOCIATE reply.
func (r *UDPRelay) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts down the relay socket, causing Run to return.
func (r *UDPRelay) Close() error {
	return r.conn.Close()
}

// Run executes the receive loop until ctx is cancelled or the socket is
// closed. Besides the goroutine it runs on, it starts one watcher
// goroutine that closes the socket when ctx is cancelled. DNS resolution
// of domain destinations runs synchronously inside the receive loop.
func (r *UDPRelay) Run(ctx context.Context) {
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			r.conn.Close()
		case <-watcherDone:
		}
	}()

	for {
		bufPtr := udpBufPool.Get().(*[]byte)
		n, src, err := r.conn.ReadFromUDP(*bufPtr)
		if err != nil {
			udpBufPool.Put(bufPtr)
			return
		}

		data := (*bufPtr)[:n]
		r.handleDatagram(ctx, data, src)
		udpBufPool.Put(bufPtr)
	}
}

func (r *UDPRelay) handleDatagram(ctx context.Context, data []byte, src *net.UDPAddr) {
	r.mu.Lock()
	learned := r.learnedClientAddr
	r.mu.Unlock()

	switch {
	case learned == nil && r.clientIP != nil && src.IP.Equal(r.clientIP):
		r.mu.Lock()
		r.learnedClientAddr = src
		r.mu.Unlock()
		r.handleClientToRemote(ctx, data)

	case learned != nil && addrEqual(src, learned):
		r.handleClientToRemote(ctx, data)

	case learned != nil:
		r.logger.Debug("udp datagram from unexpected source treated as remote reply",
			logging.KeyAssociation, r.associationID,
			"source", src.String())
		r.handleRemoteToClient(data, src, learned)

	default:
		// No learned endpoint yet and this isn't from the client's IP:
		// per the documented policy, drop rather than guess a send target.
		r.logger.Debug("dropping udp datagram before client endpoint learned",
			logging.KeyAssociation, r.associationID,
			"source", src.String())
	}
}

func (r *UDPRelay) handleClientToRemote(ctx context.Context, data []byte) {
	hdr, err := ParseUDPHeader(data)
	if err != nil {
		r.logger.Warn("rejecting malformed or fragmented udp datagram",
			logging.KeyAssociation, r.associationID, logging.KeyError, err)
		return
	}

	destIP := hdr.IP
	if destIP == nil {
		resolved, err := r.dnsCache.Resolve(ctx, hdr.Addr)
		if err != nil {
			if r.metrics != nil {
				r.metrics.RecordDNSLookupError()
			}
			r.logger.Warn("dns resolution failed for udp destination",
				logging.KeyAssociation, r.associationID, logging.KeyDestination, hdr.Addr, logging.KeyError, err)
			return
		}
		destIP = resolved
	}

	dest := &net.UDPAddr{IP: destIP, Port: int(hdr.Port)}
	payload := data[hdr.HeaderLen:]

	if _, err := r.conn.WriteToUDP(payload, dest); err != nil {
		r.logger.Warn("failed forwarding udp datagram to remote",
			logging.KeyAssociation, r.associationID, logging.KeyDestination, dest.String(), logging.KeyError, err)
		return
	}

	if r.metrics != nil {
		r.metrics.RecordUDPDatagram("client_to_remote")
	}
}

func (r *UDPRelay) handleRemoteToClient(data []byte, src, dst *net.UDPAddr) {
	wrapped := BuildUDPHeader(make([]byte, 0, len(data)+24), src.IP, uint16(src.Port))
	wrapped = append(wrapped, data...)

	if _, err := r.conn.WriteToUDP(wrapped, dst); err != nil {
		r.logger.Warn("failed relaying udp reply to client",
			logging.KeyAssociation, r.associationID, logging.KeyError, err)
		return
	}

	if r.metrics != nil {
		r.metrics.RecordUDPDatagram("remote_to_client")
	}
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
