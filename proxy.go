// Package btproxy wires the ACL data channel, the L2CAP channel manager
// and the H4 transport loop into the intercepting proxy of spec section
// 1: a component that sits between a Bluetooth host stack and a
// controller, observing and selectively rewriting the H4 byte stream
// passing in both directions. It is grounded on linux/hci.go's HCI type
// in the teacher repo: NewHCI's deferred back-reference wiring, and
// mainLoop's read loop, reappear here as NewProxy and Proxy.Run (one
// read goroutine per direction).
package btproxy

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/XC-/btproxy/bt"
	"github.com/XC-/btproxy/h4"
	"github.com/XC-/btproxy/hcievent"
	"github.com/XC-/btproxy/internal/acl"
	"github.com/XC-/btproxy/internal/l2cap"
	"github.com/XC-/btproxy/metrics"
)

// Options configures a Proxy's sizing and credit reservation, gathering
// the acl.Options the core packages need behind one surface (spec
// section 6's configuration list).
type Options struct {
	ACL acl.Options

	// TxBufferCount / TxBufferSize size the shared H4 Tx buffer pool.
	TxBufferCount int
	TxBufferSize  int

	// MetricsRegisterer receives the proxy's Prometheus collectors if
	// non-nil; a nil value disables metrics entirely.
	MetricsRegisterer prometheus.Registerer
}

// DefaultOptions mirrors the teacher's NewHCI(maxConn) sizing defaults,
// generalized to the proxy's own buffer pool.
func DefaultOptions() Options {
	return Options{
		ACL:           acl.DefaultOptions(),
		TxBufferCount: 10,
		TxBufferSize:  1026,
	}
}

// Proxy is the top-level component: one H4 connection to the host, one
// to the controller, and the ACL/L2CAP machinery sitting between them.
type Proxy struct {
	log logrus.FieldLogger

	hostR io.Reader
	hostW io.Writer
	ctlR  io.Reader
	ctlW  io.Writer

	data    *acl.DataChannel
	manager *l2cap.ChannelManager
	pool    *h4.Pool

	metrics *metrics.Registry
}

// NewProxy constructs a Proxy that reads H4 bytes arriving from the host
// on hostR and from the controller on ctlR, writing the opposite
// direction's passthrough traffic to ctlW and hostW respectively.
func NewProxy(hostR io.Reader, hostW io.Writer, ctlR io.Reader, ctlW io.Writer, opts Options, log logrus.FieldLogger) *Proxy {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var reg *metrics.Registry
	if opts.MetricsRegisterer != nil {
		reg = metrics.NewRegistry(opts.MetricsRegisterer)
	}

	p := &Proxy{
		log:     log,
		hostR:   hostR,
		hostW:   hostW,
		ctlR:    ctlR,
		ctlW:    ctlW,
		metrics: reg,
	}
	p.pool = h4.NewPool(opts.TxBufferCount, opts.TxBufferSize, p.onBufferReleased, log)
	p.data = acl.NewDataChannel(ctlW, opts.ACL, reg, log)
	p.manager = l2cap.NewChannelManager(p.data, p.pool, reg, log)
	return p
}

// Manager exposes the L2CAP channel manager, so a caller can register a
// status delegate or open CoCs once connections start arriving.
func (p *Proxy) Manager() *l2cap.ChannelManager { return p.manager }

func (p *Proxy) onBufferReleased() {
	p.manager.ForceDrainChannelQueues()
}

// Run reads both directions until either side's Reader returns an error,
// mirroring the teacher's mainLoop: one read loop per direction, each
// dispatching a packet at a time to handlePacket. It blocks until both
// directions have stopped.
func (p *Proxy) Run() error {
	errc := make(chan error, 2)
	go func() { errc <- p.readLoop(bufio.NewReader(p.ctlR), bt.FromController) }()
	go func() { errc <- p.readLoop(bufio.NewReader(p.hostR), bt.FromHost) }()
	err := <-errc
	<-errc
	return err
}

func (p *Proxy) readLoop(r *bufio.Reader, dir bt.Direction) error {
	for {
		typ, err := r.ReadByte()
		if err != nil {
			return err
		}
		if err := p.readAndHandlePacket(r, h4.PacketType(typ), dir); err != nil {
			p.log.WithError(err).WithField("direction", dir).Warn("failed to handle h4 packet")
		}
	}
}

func (p *Proxy) readAndHandlePacket(r *bufio.Reader, typ h4.PacketType, dir bt.Direction) error {
	var payload []byte
	var err error
	switch typ {
	case h4.TypeCommand:
		payload, err = readCommand(r)
	case h4.TypeACLData:
		payload, err = readACL(r)
	case h4.TypeEvent:
		payload, err = readEvent(r)
	default:
		return errors.Errorf("unsupported h4 packet type %v", typ)
	}
	if err != nil {
		return err
	}
	p.handlePacket(typ, dir, payload)
	return nil
}

func readCommand(r *bufio.Reader) ([]byte, error) {
	hdr := make([]byte, 3)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	body := make([]byte, hdr[2])
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func readACL(r *bufio.Reader) ([]byte, error) {
	hdr := make([]byte, acl.HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint16(hdr[2:4])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func readEvent(r *bufio.Reader) ([]byte, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	body := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

// handlePacket dispatches one parsed packet, by direction and type, to
// the ACL data channel or to the HCI event rewriter, forwarding whatever
// the handler doesn't consume to the opposite side unmodified.
func (p *Proxy) handlePacket(typ h4.PacketType, dir bt.Direction, payload []byte) {
	switch {
	case typ == h4.TypeACLData && dir == bt.FromController:
		p.handleAclFromController(payload)
	case typ == h4.TypeACLData && dir == bt.FromHost:
		p.handleAclFromHost(payload)
	case typ == h4.TypeEvent && dir == bt.FromController:
		p.handleEvent(payload)
	case dir == bt.FromHost:
		p.forward(p.ctlW, typ, payload)
	default:
		p.forward(p.hostW, typ, payload)
	}
}

func (p *Proxy) forward(w io.Writer, typ h4.PacketType, payload []byte) {
	frame := append([]byte{byte(typ)}, payload...)
	if _, err := w.Write(frame); err != nil {
		p.log.WithError(err).Warn("failed to forward h4 packet")
	}
}

func (p *Proxy) handleAclFromController(payload []byte) {
	handled, err := p.data.HandleAclData(bt.FromController, payload)
	if err != nil {
		p.log.WithError(err).Warn("malformed acl data from controller")
		return
	}
	if !handled {
		p.forward(p.hostW, h4.TypeACLData, payload)
	}
	p.manager.DeliverPendingEvents()
}

func (p *Proxy) handleAclFromHost(payload []byte) {
	handled, err := p.data.HandleAclData(bt.FromHost, payload)
	if err != nil {
		p.log.WithError(err).Warn("malformed acl data from host")
		return
	}
	if !handled {
		p.forward(p.ctlW, h4.TypeACLData, payload)
	}
	p.manager.DeliverPendingEvents()
}

// handleEvent intercepts the handful of HCI events spec section 4.1
// names (buffer-size command completions, NumberOfCompletedPackets,
// connection/disconnection complete) and forwards the event afterwards,
// rewritten in place where required. The one exception is a
// NumberOfCompletedPackets event whose counts the proxy reclaimed in
// full: it is not forwarded.
func (p *Proxy) handleEvent(payload []byte) {
	hdr, params, err := hcievent.ParseHeader(payload)
	if err != nil {
		p.log.WithError(err).Warn("malformed hci event")
		p.forward(p.hostW, h4.TypeEvent, payload)
		return
	}

	switch hdr.Code {
	case hcievent.CodeCommandComplete:
		p.handleCommandComplete(params)
	case hcievent.CodeNumberOfCompletedPackets:
		forward, err := p.data.HandleNumberOfCompletedPackets(params)
		if err != nil {
			p.log.WithError(err).Warn("malformed number of completed packets event")
		} else if !forward {
			return
		}
	case hcievent.CodeConnectionComplete:
		status, handle, err := hcievent.ParseConnectionComplete(params)
		if err == nil {
			p.data.HandleConnectionComplete(status, handle, bt.TransportBrEdr)
			if hcievent.Success(status) {
				if _, err := l2cap.NewSignalingChannel(p.manager, handle, bt.TransportBrEdr, p.log); err != nil {
					p.log.WithError(err).Warn("failed to create signaling channel")
				}
			}
		}
	case hcievent.CodeDisconnectionComplete:
		status, handle, _, err := hcievent.ParseDisconnectionComplete(params)
		if err == nil {
			p.data.HandleDisconnectionComplete(status, handle)
		}
	case hcievent.CodeLEMeta:
		p.handleLEMeta(params)
	}

	p.forward(p.hostW, h4.TypeEvent, payload)
	p.manager.DeliverPendingEvents()
}

func (p *Proxy) handleCommandComplete(params []byte) {
	opcode, ret, err := hcievent.ParseCommandComplete(params)
	if err != nil {
		return
	}
	switch opcode {
	case hcievent.OpReadBufferSize:
		if err := p.data.HandleReadBufferSizeComplete(ret); err != nil {
			p.log.WithError(err).Warn("failed to process read buffer size complete")
		}
	case hcievent.OpLEReadBufferSizeV1:
		if err := p.data.HandleLEReadBufferSizeV1Complete(ret); err != nil {
			p.log.WithError(err).Warn("failed to process le read buffer size v1 complete")
		}
	case hcievent.OpLEReadBufferSizeV2:
		if err := p.data.HandleLEReadBufferSizeV2Complete(ret); err != nil {
			p.log.WithError(err).Warn("failed to process le read buffer size v2 complete")
		}
	}
}

func (p *Proxy) handleLEMeta(params []byte) {
	subevent, data, err := hcievent.ParseLEMeta(params)
	if err != nil {
		return
	}
	switch subevent {
	case hcievent.LESubeventConnectionComplete, hcievent.LESubeventEnhancedConnectionCompleteV1, hcievent.LESubeventEnhancedConnectionCompleteV2:
		status, handle, err := hcievent.ParseLEConnectionCompleteLike(data)
		if err != nil {
			return
		}
		p.data.HandleConnectionComplete(status, handle, bt.TransportLE)
		if hcievent.Success(status) {
			if _, err := l2cap.NewSignalingChannel(p.manager, handle, bt.TransportLE, p.log); err != nil {
				p.log.WithError(err).Warn("failed to create signaling channel")
			}
		}
	}
}

// Reset tears down every tracked connection and channel, and resets both
// transports' credit pools, per spec section 4.1/4.2's Reset operations.
func (p *Proxy) Reset() {
	p.manager.Reset()
}
