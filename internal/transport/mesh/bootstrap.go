package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Announcement is the payload of a UDP bootstrap datagram: "<tag>:<nodeId>:<port>".
type Announcement struct {
	Tag    string
	NodeID string
	Port   int
}

// String renders the wire form.
func (a Announcement) String() string {
	return fmt.Sprintf("%s:%s:%d", a.Tag, a.NodeID, a.Port)
}

// ParseAnnouncement parses a datagram carrying tag. The node id may itself
// contain colons; the port is the last field.
func ParseAnnouncement(tag string, data []byte) (Announcement, error) {
	s := strings.TrimSpace(string(data))
	rest, ok := strings.CutPrefix(s, tag+":")
	if !ok {
		return Announcement{}, errors.New("announcement tag mismatch")
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return Announcement{}, fmt.Errorf("malformed announcement %q", s)
	}
	port, err := strconv.Atoi(rest[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return Announcement{}, fmt.Errorf("malformed announcement port in %q", s)
	}
	return Announcement{Tag: tag, NodeID: rest[:i], Port: port}, nil
}

func (t *Transport) announcement() Announcement {
	port := 0
	if addr, ok := t.listenAddr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return Announcement{Tag: t.opts.Tag, NodeID: t.NodeID(), Port: port}
}

func (t *Transport) listenAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// announceLoop sends the announcement right away and then every
// BroadcastInterval to each broadcast address.
func (t *Transport) announceLoop(ctx context.Context, conn *net.UDPConn) {
	ticker := time.NewTicker(t.opts.BroadcastInterval)
	defer ticker.Stop()
	for {
		t.announce(conn)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) announce(conn *net.UDPConn) {
	payload := []byte(t.announcement().String())
	for _, host := range t.opts.BroadcastAddrs {
		ip := net.ParseIP(host)
		if ip == nil {
			t.log.Warn("invalid broadcast address", zap.String("addr", host))
			continue
		}
		if _, err := conn.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: t.opts.DiscoveryPort}); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Debug("announcement not sent", zap.String("addr", host), zap.Error(err))
		}
	}
}

func (t *Transport) listenLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.log.Debug("udp read failed", zap.Error(err))
			continue
		}
		a, err := ParseAnnouncement(t.opts.Tag, buf[:n])
		if err != nil {
			continue
		}
		t.handleAnnouncement(ctx, a, from.IP.String())
	}
}

// handleAnnouncement dials the announcing node unless it is this node or
// the other side is expected to dial.
func (t *Transport) handleAnnouncement(ctx context.Context, a Announcement, ip string) {
	if a.NodeID == t.NodeID() || !t.ShouldDial(a.NodeID) {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := t.ConnectToPeer(dctx, ip, a.Port); err != nil {
		t.log.Debug("announced peer unreachable",
			zap.String("node", a.NodeID), zap.String("ip", ip), zap.Error(err))
	}
}
