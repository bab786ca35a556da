package hci

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/srg/bledm/internal/events"
	"github.com/srg/bledm/internal/storage"
	"github.com/srg/bledm/internal/testutils"
	"github.com/srg/bledm/pkg/devmgr"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	opClearWhiteList         = 0x2010
	opAddWhiteList           = 0x2011
	opConnectionUpdate       = 0x2013
	opLTKReply               = 0x201A
	opLTKNegativeReply       = 0x201B
	opRemoteParamsReply      = 0x2020
	opRemoteParamsNegReply   = 0x2021
	opAddResolvingList       = 0x2027
	opClearResolvingList     = 0x2029
	handle                   = gap.ConnHandle(0x0040)
	statusCommandDisallowed  = 0x0C
	statusUnsupportedFeature = 0x1A
)

var (
	peerA  = gap.Address{Type: gap.AddrPublic, Bytes: [6]byte{0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6}}
	peerB  = gap.Address{Type: gap.AddrRandomStatic, Bytes: [6]byte{0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xC6}}
	params = gap.ConnParams{IntervalMin: 24, IntervalMax: 40, Latency: 0, Timeout: 400}
)

type sentCommand struct {
	Opcode int
	Params []byte
}

// recorder is a controller that records traffic and answers with queued status bytes
type recorder struct {
	mu       sync.Mutex
	commands []sentCommand
	signals  [][]byte
	refuse   map[int]uint8
	fail     error
}

func newRecorder() *recorder {
	return &recorder{refuse: make(map[int]uint8)}
}

func (r *recorder) SendCommand(opcode int, params []byte) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return 0, r.fail
	}
	r.commands = append(r.commands, sentCommand{Opcode: opcode, Params: append([]byte(nil), params...)})
	return r.refuse[opcode], nil
}

func (r *recorder) SendSignal(_ gap.ConnHandle, packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.signals = append(r.signals, append([]byte(nil), packet...))
	return nil
}

func (r *recorder) opcodes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.commands))
	for i, c := range r.commands {
		out[i] = c.Opcode
	}
	return out
}

func (r *recorder) last() sentCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands[len(r.commands)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
	r.signals = nil
}

// LE Connection Complete for handle 0x0040 with the given role and peer
func connectionComplete(role uint8, peerType uint8, peer gap.Address) []byte {
	p := []byte{0x3E, 19, 0x01, 0x00, 0x40, 0x00, role, peerType}
	p = append(p, peer.Bytes[:]...)
	return append(p, 0x18, 0x00, 0x00, 0x00, 0x90, 0x01, 0x00)
}

type AdapterTestSuite struct {
	suite.Suite

	controller *recorder
	adapter    *Adapter
}

func (suite *AdapterTestSuite) SetupTest() {
	suite.controller = newRecorder()
	a, err := NewAdapter(suite.controller, testutils.NewTestLogger(suite.T()))
	suite.Require().NoError(err)
	suite.adapter = a
}

func (suite *AdapterTestSuite) TestCommandEncoding() {
	// GOAL: Verify every stack request reaches the controller as the matching HCI command
	//
	// TEST SCENARIO: issue each link-layer and key request → opcode and little-endian parameters match the HCI layout

	ltk := [16]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}
	paramBytes := []byte{0x40, 0x00, 0x18, 0x00, 0x28, 0x00, 0x00, 0x00, 0x90, 0x01, 0x00, 0x00, 0x00, 0x00}

	tests := []struct {
		name   string
		call   func() error
		opcode int
		params []byte
	}{
		{
			name:   "connection update",
			call:   func() error { return suite.adapter.UpdateConnection(handle, params) },
			opcode: opConnectionUpdate,
			params: paramBytes,
		},
		{
			name:   "remote request reply",
			call:   func() error { return suite.adapter.ReplyRemoteParams(handle, params) },
			opcode: opRemoteParamsReply,
			params: paramBytes,
		},
		{
			name:   "remote request negative reply",
			call:   func() error { return suite.adapter.RejectRemoteParams(handle, status.UnacceptableParameters.HCIReason()) },
			opcode: opRemoteParamsNegReply,
			params: []byte{0x40, 0x00, 0x3B},
		},
		{
			name:   "ltk reply",
			call:   func() error { return suite.adapter.ReplyLTK(0x0041, ltk) },
			opcode: opLTKReply,
			params: append([]byte{0x41, 0x00}, ltk[:]...),
		},
		{
			name:   "ltk negative reply",
			call:   func() error { return suite.adapter.RejectLTK(0x0041) },
			opcode: opLTKNegativeReply,
			params: []byte{0x41, 0x00},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.controller.reset()
			suite.Require().NoError(tt.call())
			suite.Require().Len(suite.controller.commands, 1)
			suite.Assert().Equal(tt.opcode, suite.controller.last().Opcode)
			suite.Assert().Equal(tt.params, suite.controller.last().Params)
		})
	}
}

func (suite *AdapterTestSuite) TestAddressLists() {
	suite.Run("filter accept list is cleared then filled", func() {
		suite.controller.reset()
		suite.Require().NoError(suite.adapter.SetFilterAcceptList([]gap.Address{peerA, peerB}))

		suite.Assert().Equal([]int{opClearWhiteList, opAddWhiteList, opAddWhiteList}, suite.controller.opcodes())
		suite.Assert().Empty(suite.controller.commands[0].Params)
		suite.Assert().Equal([]byte{0x00, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6}, suite.controller.commands[1].Params)
		suite.Assert().Equal([]byte{0x01, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xC6}, suite.controller.commands[2].Params)
	})

	suite.Run("resolving list carries both keys", func() {
		suite.controller.reset()
		entry := stack.ResolvingEntry{Peer: peerB}
		for i := range entry.PeerIRK {
			entry.PeerIRK[i] = 0x10 + byte(i)
			entry.LocalIRK[i] = 0x20 + byte(i)
		}
		suite.Require().NoError(suite.adapter.SetResolvingList([]stack.ResolvingEntry{entry}))

		suite.Require().Equal([]int{opClearResolvingList, opAddResolvingList}, suite.controller.opcodes())
		got := suite.controller.last().Params
		suite.Require().Len(got, 39)
		suite.Assert().Equal(uint8(0x01), got[0])
		suite.Assert().Equal(peerB.Bytes[:], got[1:7])
		suite.Assert().Equal(entry.PeerIRK[:], got[7:23])
		suite.Assert().Equal(entry.LocalIRK[:], got[23:39])
	})

	suite.Run("first refusal stops the update", func() {
		suite.controller.reset()
		suite.controller.refuse[opAddWhiteList] = statusCommandDisallowed
		defer delete(suite.controller.refuse, opAddWhiteList)

		err := suite.adapter.SetFilterAcceptList([]gap.Address{peerA, peerB})
		suite.Assert().ErrorIs(err, status.CommandDisallowed)
		suite.Assert().Equal([]int{opClearWhiteList, opAddWhiteList}, suite.controller.opcodes())
	})
}

func (suite *AdapterTestSuite) TestCommandFailures() {
	suite.Run("controller status maps onto status codes", func() {
		suite.controller.refuse[opConnectionUpdate] = statusUnsupportedFeature
		defer delete(suite.controller.refuse, opConnectionUpdate)

		err := suite.adapter.UpdateConnection(handle, params)
		suite.Assert().ErrorIs(err, status.UnsupportedRemoteFeature)
	})

	suite.Run("transport errors are failures", func() {
		suite.controller.fail = errors.New("socket closed")
		defer func() { suite.controller.fail = nil }()

		suite.Assert().ErrorIs(suite.adapter.RejectLTK(handle), status.Fail)
		suite.Assert().ErrorIs(suite.adapter.RequestParamUpdate(handle, params), status.Fail)
	})

	suite.Run("nil transport", func() {
		_, err := NewAdapter(nil, nil)
		suite.Assert().ErrorIs(err, status.InvalidParameter)
	})
}

func (suite *AdapterTestSuite) TestSignalingEncoding() {
	// GOAL: Verify L2CAP parameter update packets are framed with code, identifier and length
	//
	// TEST SCENARIO: two requests → identifiers 1 and 2; response → echoes the peer's identifier

	suite.Require().NoError(suite.adapter.RequestParamUpdate(handle, params))
	suite.Require().NoError(suite.adapter.RequestParamUpdate(handle, params))
	suite.Require().NoError(suite.adapter.RespondParamUpdate(handle, 7, stack.SignalingRejected))

	suite.Require().Len(suite.controller.signals, 3)
	suite.Assert().Equal([]byte{0x12, 0x01, 0x08, 0x00, 0x18, 0x00, 0x28, 0x00, 0x00, 0x00, 0x90, 0x01}, suite.controller.signals[0])
	suite.Assert().Equal(uint8(0x02), suite.controller.signals[1][1])
	suite.Assert().Equal([]byte{0x13, 0x07, 0x02, 0x00, 0x01, 0x00}, suite.controller.signals[2])
}

// collector records decoded callbacks
type collector struct {
	calls []any
	err   error
}

func (c *collector) OnConnected(e stack.ConnectedEvent)                   { c.calls = append(c.calls, e) }
func (c *collector) OnDisconnected(e stack.DisconnectedEvent)             { c.calls = append(c.calls, e) }
func (c *collector) OnConnUpdateComplete(e stack.ConnUpdateCompleteEvent) { c.calls = append(c.calls, e) }
func (c *collector) OnSignalingParamResponse(e stack.SignalingResponseEvent) {
	c.calls = append(c.calls, e)
}
func (c *collector) OnEncryptionChanged(e stack.EncryptionChangedEvent) { c.calls = append(c.calls, e) }
func (c *collector) OnRemoteConnParamRequest(e stack.RemoteParamRequestEvent) error {
	c.calls = append(c.calls, e)
	return c.err
}
func (c *collector) OnSignalingParamRequest(e stack.SignalingRequestEvent) error {
	c.calls = append(c.calls, e)
	return c.err
}
func (c *collector) OnLTKRequest(e stack.LTKRequestEvent) error {
	c.calls = append(c.calls, e)
	return c.err
}

func (suite *AdapterTestSuite) TestEventDecoding() {
	tests := []struct {
		name   string
		packet []byte
		want   any
	}{
		{
			name:   "connection complete as peripheral",
			packet: connectionComplete(0x01, 0x00, peerA),
			want: stack.ConnectedEvent{
				Handle: handle, Status: status.Success, Role: gap.RolePeripheral, Peer: peerA,
				Params: gap.ConnParams{IntervalMin: 24, IntervalMax: 24, Latency: 0, Timeout: 400},
			},
		},
		{
			name:   "connection complete with random static peer",
			packet: connectionComplete(0x00, 0x01, peerB),
			want: stack.ConnectedEvent{
				Handle: handle, Status: status.Success, Role: gap.RoleCentral, Peer: peerB,
				Params: gap.ConnParams{IntervalMin: 24, IntervalMax: 24, Latency: 0, Timeout: 400},
			},
		},
		{
			name:   "disconnection complete",
			packet: []byte{0x05, 4, 0x00, 0x40, 0x00, 0x13},
			want:   stack.DisconnectedEvent{Handle: handle, Reason: 0x13},
		},
		{
			name:   "encryption change",
			packet: []byte{0x08, 4, 0x00, 0x40, 0x00, 0x01},
			want:   stack.EncryptionChangedEvent{Handle: handle, Status: status.Success, Enabled: true},
		},
		{
			name:   "encryption change failure",
			packet: []byte{0x08, 4, 0x06, 0x40, 0x00, 0x00},
			want:   stack.EncryptionChangedEvent{Handle: handle, Status: status.Code(0x0106), Reason: 0x06},
		},
		{
			name:   "connection update complete",
			packet: []byte{0x3E, 10, 0x03, 0x00, 0x40, 0x00, 0x28, 0x00, 0x04, 0x00, 0x90, 0x01},
			want: stack.ConnUpdateCompleteEvent{
				Handle: handle, Status: status.Success,
				Params: gap.ConnParams{IntervalMin: 40, IntervalMax: 40, Latency: 4, Timeout: 400},
			},
		},
		{
			name:   "long term key request",
			packet: []byte{0x3E, 13, 0x05, 0x40, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x34, 0x12},
			want: stack.LTKRequestEvent{
				Handle: handle, EDIV: 0x1234, Rand: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
			},
		},
		{
			name:   "remote parameter request",
			packet: []byte{0x3E, 11, 0x06, 0x40, 0x00, 0x18, 0x00, 0x28, 0x00, 0x00, 0x00, 0x90, 0x01},
			want:   stack.RemoteParamRequestEvent{Handle: handle, Params: params},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			cb := &collector{}
			suite.adapter.Attach(cb)
			suite.Require().NoError(suite.adapter.HandleEvent(tt.packet))
			suite.Require().Len(cb.calls, 1)
			suite.Assert().Equal(tt.want, cb.calls[0])
		})
	}
}

func (suite *AdapterTestSuite) TestEventDecodingEdgeCases() {
	cb := &collector{}

	suite.Run("no callbacks attached", func() {
		suite.Assert().ErrorIs(suite.adapter.HandleEvent([]byte{0x05, 4, 0x00, 0x40, 0x00, 0x13}), status.CommandDisallowed)
	})

	suite.adapter.Attach(cb)

	suite.Run("malformed packets", func() {
		for _, pkt := range [][]byte{
			{0x05},
			{0x05, 4, 0x00},
			{0x05, 2, 0x00, 0x40},
			{0x3E, 0},
			{0x3E, 3, 0x05, 0x40, 0x00},
		} {
			suite.Assert().ErrorIs(suite.adapter.HandleEvent(pkt), status.InvalidParameter, "% x", pkt)
		}
		suite.Assert().Empty(cb.calls)
	})

	suite.Run("unconsumed events are ignored", func() {
		suite.Assert().NoError(suite.adapter.HandleEvent([]byte{0x0E, 4, 0x01, 0x03, 0x0C, 0x00}))
		suite.Assert().NoError(suite.adapter.HandleEvent([]byte{0x3E, 2, 0x02, 0x00}))
		suite.Assert().Empty(cb.calls)
	})

	suite.Run("failed disconnect attempts are not link loss", func() {
		suite.Assert().NoError(suite.adapter.HandleEvent([]byte{0x05, 4, 0x0C, 0x40, 0x00, 0x13}))
		suite.Assert().Empty(cb.calls)
	})

	suite.Run("callback errors propagate", func() {
		cb.err = status.CommandDisallowed
		defer func() { cb.err = nil }()
		err := suite.adapter.HandleEvent([]byte{0x3E, 13, 0x05, 0x40, 0x00, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
		suite.Assert().ErrorIs(err, status.CommandDisallowed)
	})
}

func (suite *AdapterTestSuite) TestSignalDecoding() {
	// GOAL: Verify inbound parameter update requests are decoded and responses are matched to our request
	//
	// TEST SCENARIO: peer request → callback with identifier; response before any request → dropped;
	// response with our identifier → callback; repeated response → dropped

	cb := &collector{}
	suite.adapter.Attach(cb)

	suite.Require().NoError(suite.adapter.HandleSignal(handle, []byte{0x12, 0x09, 0x08, 0x00, 0x18, 0x00, 0x28, 0x00, 0x00, 0x00, 0x90, 0x01}))
	suite.Require().Len(cb.calls, 1)
	suite.Assert().Equal(stack.SignalingRequestEvent{Handle: handle, Identifier: 9, Params: params}, cb.calls[0])

	accepted := []byte{0x13, 0x01, 0x02, 0x00, 0x00, 0x00}
	suite.Require().NoError(suite.adapter.HandleSignal(handle, accepted))
	suite.Assert().Len(cb.calls, 1, "unsolicited response MUST be dropped")

	suite.Require().NoError(suite.adapter.RequestParamUpdate(handle, params))
	suite.Require().NoError(suite.adapter.HandleSignal(handle, accepted))
	suite.Require().Len(cb.calls, 2)
	suite.Assert().Equal(stack.SignalingResponseEvent{Handle: handle, Result: stack.SignalingAccepted}, cb.calls[1])

	suite.Require().NoError(suite.adapter.HandleSignal(handle, accepted))
	suite.Assert().Len(cb.calls, 2, "a response is consumed once")

	suite.Assert().ErrorIs(suite.adapter.HandleSignal(handle, []byte{0x12, 0x01}), status.InvalidParameter)
	suite.Assert().ErrorIs(suite.adapter.HandleSignal(handle, []byte{0x12, 0x01, 0x08, 0x00, 0x18}), status.InvalidParameter)
	suite.Assert().ErrorIs(suite.adapter.HandleSignal(handle, []byte{0x12, 0x01, 0x02, 0x00, 0x18, 0x00}), status.InvalidParameter)
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}

func TestManagerOverHCI(t *testing.T) {
	// GOAL: Verify the device manager runs end to end on controller traffic
	//
	// TEST SCENARIO: connect as peripheral over HCI → update request falls back to L2CAP → response and
	// completion report success → bond → reconnect → LTK request answered with the bonded key

	logger := testutils.NewTestLogger(t)
	controller := newRecorder()
	adapter, err := NewAdapter(controller, logger)
	require.NoError(t, err)

	m, err := devmgr.New(nil, adapter, storage.NewMemEngine(), logger)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	adapter.Attach(m)

	var got []events.Type
	require.NoError(t, m.RegisterHandler(func(e events.Event) { got = append(got, e.Type) }))

	require.NoError(t, adapter.HandleEvent(connectionComplete(0x01, 0x00, peerA)))
	require.Len(t, m.Connections(), 1)
	assert.Equal(t, gap.RolePeripheral, m.Connections()[0].Role)

	controller.refuse[opConnectionUpdate] = statusUnsupportedFeature
	require.NoError(t, m.RequestUpdate(handle, params))
	assert.Equal(t, []int{opConnectionUpdate}, controller.opcodes())
	require.Len(t, controller.signals, 1, "unsupported link-layer procedure MUST fall back to signaling")
	ident := controller.signals[0][1]

	require.NoError(t, adapter.HandleSignal(handle, []byte{0x13, ident, 0x02, 0x00, 0x00, 0x00}))
	require.NoError(t, adapter.HandleEvent([]byte{0x3E, 10, 0x03, 0x00, 0x40, 0x00, 0x28, 0x00, 0x00, 0x00, 0x90, 0x01}))
	assert.Equal(t, []events.Type{events.Connected, events.ConnUpdateSuccess}, got)

	keys := stack.PairingKeys{PeerIdentity: peerA, KeySize: 16, EDIV: 0x1234, Bonding: true}
	for i := range keys.LTK {
		keys.LTK[i] = 0xC0 + byte(i)
	}
	keys.Rand = [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	require.NoError(t, m.OnPairingComplete(context.Background(), stack.PairingCompleteEvent{Handle: handle, Status: status.Success, Keys: keys}))

	require.NoError(t, adapter.HandleEvent([]byte{0x05, 4, 0x00, 0x40, 0x00, 0x13}))
	assert.Empty(t, m.Connections())

	controller.reset()
	require.NoError(t, adapter.HandleEvent(connectionComplete(0x01, 0x00, peerA)))
	require.NoError(t, adapter.HandleEvent([]byte{0x3E, 13, 0x05, 0x40, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x34, 0x12}))

	require.Equal(t, []int{opLTKReply}, controller.opcodes())
	assert.Equal(t, append([]byte{0x40, 0x00}, keys.LTK[:]...), controller.last().Params)

	require.NoError(t, adapter.HandleEvent([]byte{0x3E, 13, 0x05, 0x40, 0x00, 0, 0, 0, 0, 0, 0, 0, 0, 0x34, 0x12}))
	assert.Equal(t, opLTKNegativeReply, controller.last().Opcode, "mismatched Rand MUST be rejected")
}
