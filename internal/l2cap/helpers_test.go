package l2cap

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/XC-/btproxy/h4"
	"github.com/XC-/btproxy/internal/acl"
)

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// newTestManager builds a ChannelManager backed by a real DataChannel
// (with LE credits already reserved) and a small H4 buffer pool, so
// Channel.Write's full drain path can be exercised end to end.
func newTestManager(t *testing.T, controller io.Writer, leCredits uint16) (*ChannelManager, *acl.DataChannel) {
	t.Helper()
	data := acl.NewDataChannel(controller, acl.Options{
		LECreditsToReserve:    leCredits,
		BrEdrCreditsToReserve: leCredits,
		MaxConnections:        10,
	}, nil, discardLogger())

	ret := make([]byte, 4)
	binary.LittleEndian.PutUint16(ret[1:], 251)
	ret[3] = 10
	if err := data.HandleLEReadBufferSizeV1Complete(ret); err != nil {
		t.Fatalf("HandleLEReadBufferSizeV1Complete: %v", err)
	}

	pool := h4.NewPool(4, 128, func() {}, discardLogger())
	mgr := NewChannelManager(data, pool, nil, discardLogger())
	return mgr, data
}

// fakeImpl is a directly pluggable channelImpl for exercising Channel's
// own behavior without going through SignalingChannel or Coc.
type fakeImpl struct {
	fromController func(pdu []byte) bool
	fromHost       func(pdu []byte) bool
	closed         bool
}

func (f *fakeImpl) doHandlePduFromController(pdu []byte) bool {
	if f.fromController != nil {
		return f.fromController(pdu)
	}
	return true
}

func (f *fakeImpl) doHandlePduFromHost(pdu []byte) bool {
	if f.fromHost != nil {
		return f.fromHost(pdu)
	}
	return true
}

func (f *fakeImpl) doClose() { f.closed = true }
