package connection_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/internal/replay"
	"github.com/srg/bledm/pkg/connection"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

var (
	peer        = gap.Address{Type: gap.AddrPublic, Bytes: [6]byte{1, 2, 3, 4, 5, 6}}
	validParams = gap.ConnParams{IntervalMin: 24, IntervalMax: 40, Latency: 0, Timeout: 400}
	wideOpen    = connection.Policy{IntervalMin: gap.IntervalMin, IntervalMax: gap.IntervalMax, LatencyMin: 0, LatencyMax: gap.LatencyMax}
)

type ArbitratorTestSuite struct {
	suite.Suite

	stack      *replay.Stack
	registry   *connection.Registry
	arbitrator *connection.Arbitrator
	results    []connection.UpdateResult
}

func (suite *ArbitratorTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	suite.results = nil
	suite.stack = replay.NewStack(logger)
	suite.registry = connection.NewRegistry(2)
	suite.arbitrator = connection.NewArbitrator(suite.registry, suite.stack, suite.stack, func(r connection.UpdateResult) {
		suite.results = append(suite.results, r)
	}, logger)
}

func (suite *ArbitratorTestSuite) connect(handle gap.ConnHandle, role gap.Role) {
	suite.Require().NoError(suite.registry.Connect(handle, role, peer, gap.UnknownDevice))
}

func (suite *ArbitratorTestSuite) TestConfigure() {
	// GOAL: Verify policy validation gates auto-reply
	//
	// TEST SCENARIO: configure valid then invalid policies → auto-reply follows the last result

	suite.Assert().False(suite.arbitrator.AutoReply(), "auto-reply MUST start disabled")
	suite.Require().NoError(suite.arbitrator.Configure(wideOpen))
	suite.Assert().True(suite.arbitrator.AutoReply())
	suite.Assert().Equal(wideOpen, suite.arbitrator.Policy())

	invalid := []connection.Policy{
		{IntervalMin: 40, IntervalMax: 24, LatencyMin: 0, LatencyMax: 0},
		{IntervalMin: 24, IntervalMax: 40, LatencyMin: 5, LatencyMax: 4},
		{IntervalMin: 5, IntervalMax: 40},
		{IntervalMin: 24, IntervalMax: gap.IntervalMax + 1},
		{IntervalMin: 24, IntervalMax: 40, LatencyMax: gap.LatencyMax + 1},
	}
	for _, p := range invalid {
		suite.Require().NoError(suite.arbitrator.Configure(wideOpen))
		err := suite.arbitrator.Configure(p)
		suite.Assert().ErrorIs(err, status.InvalidParameter, "policy %+v", p)
		suite.Assert().False(suite.arbitrator.AutoReply(), "invalid policy MUST disable auto-reply: %+v", p)
	}
}

func (suite *ArbitratorTestSuite) TestRequestUpdate() {
	suite.Run("unknown handle", func() {
		err := suite.arbitrator.RequestUpdate(0x99, validParams)
		suite.Assert().ErrorIs(err, status.InvalidParameter)
		suite.Assert().Empty(suite.stack.Calls())
	})

	suite.Run("invalid parameters", func() {
		suite.connect(1, gap.RoleCentral)
		bad := validParams
		bad.Timeout = 9
		suite.Assert().ErrorIs(suite.arbitrator.RequestUpdate(1, bad), status.InvalidParameter)
		suite.Assert().Empty(suite.stack.Calls())
	})

	suite.Run("link-layer path", func() {
		suite.stack.Reset()
		suite.connect(1, gap.RoleCentral)

		suite.Require().NoError(suite.arbitrator.RequestUpdate(1, validParams))
		suite.Assert().Equal([]replay.Op{replay.OpUpdateConnection}, suite.stack.Ops())

		slot, _ := suite.registry.Lookup(1)
		suite.Assert().True(slot.Initiator)
	})

	suite.Run("stack error propagates and leaves flag clear", func() {
		suite.stack.Reset()
		suite.connect(2, gap.RoleCentral)
		suite.stack.FailNext(replay.OpUpdateConnection, status.CommandDisallowed)

		err := suite.arbitrator.RequestUpdate(2, validParams)
		suite.Assert().ErrorIs(err, status.CommandDisallowed)
		slot, _ := suite.registry.Lookup(2)
		suite.Assert().False(slot.Initiator)
	})
}

func (suite *ArbitratorTestSuite) TestRequestUpdateFallback() {
	// GOAL: Verify the link-layer → L2CAP fallback only triggers for peripherals
	//
	// TEST SCENARIO: link layer reports unsupported remote feature → peripheral uses signaling, central surfaces error

	suite.Run("peripheral falls back to signaling", func() {
		suite.connect(1, gap.RolePeripheral)
		suite.stack.FailNext(replay.OpUpdateConnection, status.UnsupportedRemoteFeature)

		suite.Require().NoError(suite.arbitrator.RequestUpdate(1, validParams))
		suite.Assert().Equal([]replay.Op{replay.OpUpdateConnection, replay.OpRequestParamUpdate}, suite.stack.Ops())
		suite.Assert().Equal(validParams, suite.stack.CallsTo(replay.OpRequestParamUpdate)[0].Params)

		suite.Assert().True(suite.registry.TakeInitiator(1), "initiator MUST be set")
		suite.Assert().False(suite.registry.TakeInitiator(1), "initiator MUST be set exactly once")
	})

	suite.Run("central does not fall back", func() {
		suite.stack.Reset()
		suite.connect(2, gap.RoleCentral)
		suite.stack.FailNext(replay.OpUpdateConnection, status.UnsupportedRemoteFeature)

		err := suite.arbitrator.RequestUpdate(2, validParams)
		suite.Assert().ErrorIs(err, status.UnsupportedRemoteFeature)
		suite.Assert().Equal([]replay.Op{replay.OpUpdateConnection}, suite.stack.Ops())
	})

	suite.Run("signaling failure propagates", func() {
		suite.stack.Reset()
		suite.stack.FailNext(replay.OpUpdateConnection, status.UnsupportedRemoteFeature)
		suite.stack.FailNext(replay.OpRequestParamUpdate, status.OutOfMemory)

		err := suite.arbitrator.RequestUpdate(1, validParams)
		suite.Assert().ErrorIs(err, status.OutOfMemory)
		suite.Assert().False(suite.registry.TakeInitiator(1))
	})
}

func (suite *ArbitratorTestSuite) TestCompletionReportedOnce() {
	// GOAL: Verify exactly one outcome per locally started update and none otherwise
	//
	// TEST SCENARIO: request → two completions → one result; completion without request → none

	suite.connect(1, gap.RoleCentral)

	suite.arbitrator.HandleUpdateComplete(stack.ConnUpdateCompleteEvent{Handle: 1, Status: status.Success})
	suite.Assert().Empty(suite.results, "remote-initiated completion MUST be absorbed")

	suite.Require().NoError(suite.arbitrator.RequestUpdate(1, validParams))
	suite.arbitrator.HandleUpdateComplete(stack.ConnUpdateCompleteEvent{Handle: 1, Status: status.Success, Params: validParams})
	suite.arbitrator.HandleUpdateComplete(stack.ConnUpdateCompleteEvent{Handle: 1, Status: status.Success, Params: validParams})

	suite.Require().Len(suite.results, 1)
	suite.Assert().True(suite.results[0].Succeeded())
	suite.Assert().Equal(validParams, suite.results[0].Params)

	suite.Require().NoError(suite.arbitrator.RequestUpdate(1, validParams))
	suite.arbitrator.HandleUpdateComplete(stack.ConnUpdateCompleteEvent{Handle: 1, Status: status.UnacceptableParameters})
	suite.Require().Len(suite.results, 2)
	suite.Assert().False(suite.results[1].Succeeded())
}

func (suite *ArbitratorTestSuite) TestSignalingResponse() {
	suite.connect(1, gap.RolePeripheral)

	suite.Run("accepted waits for link-layer completion", func() {
		suite.stack.FailNext(replay.OpUpdateConnection, status.UnsupportedRemoteFeature)
		suite.Require().NoError(suite.arbitrator.RequestUpdate(1, validParams))

		suite.arbitrator.HandleSignalingResponse(stack.SignalingResponseEvent{Handle: 1, Result: stack.SignalingAccepted})
		suite.Assert().Empty(suite.results)

		suite.arbitrator.HandleUpdateComplete(stack.ConnUpdateCompleteEvent{Handle: 1, Status: status.Success})
		suite.Require().Len(suite.results, 1)
		suite.Assert().True(suite.results[0].Succeeded())
	})

	suite.Run("rejected reports failure", func() {
		suite.results = nil
		suite.stack.FailNext(replay.OpUpdateConnection, status.UnsupportedRemoteFeature)
		suite.Require().NoError(suite.arbitrator.RequestUpdate(1, validParams))

		suite.arbitrator.HandleSignalingResponse(stack.SignalingResponseEvent{Handle: 1, Result: stack.SignalingRejected})
		suite.arbitrator.HandleUpdateComplete(stack.ConnUpdateCompleteEvent{Handle: 1, Status: status.Success})
		suite.Require().Len(suite.results, 1, "late completion MUST be absorbed")
		suite.Assert().False(suite.results[0].Succeeded())
	})

	suite.Run("rejection without request is absorbed", func() {
		suite.results = nil
		suite.arbitrator.HandleSignalingResponse(stack.SignalingResponseEvent{Handle: 1, Result: stack.SignalingRejected})
		suite.Assert().Empty(suite.results)
	})
}

func (suite *ArbitratorTestSuite) TestRemoteRequests() {
	// GOAL: Verify auto-reply accept and reject on both procedures
	//
	// TEST SCENARIO: remote proposals with auto-reply off, acceptable and unacceptable parameters

	narrow := connection.Policy{IntervalMin: 20, IntervalMax: 50, LatencyMin: 0, LatencyMax: 4}
	unacceptable := []gap.ConnParams{
		{IntervalMin: 10, IntervalMax: 40, Latency: 0, Timeout: 400},                // below policy
		{IntervalMin: 24, IntervalMax: 40, Latency: 9, Timeout: 400},                // latency above policy
		{IntervalMin: 24, IntervalMax: 40, Latency: 4, Timeout: 49},                 // timeout rule
		{IntervalMin: 4, IntervalMax: 40, Latency: 0, Timeout: 400},                 // illegal interval
		{IntervalMin: 24, IntervalMax: 40, Latency: 0, Timeout: gap.TimeoutMax + 1}, // illegal timeout
	}

	suite.Run("auto-reply disabled leaves requests unanswered", func() {
		suite.Require().NoError(suite.arbitrator.HandleRemoteRequest(stack.RemoteParamRequestEvent{Handle: 1, Params: validParams}))
		suite.Require().NoError(suite.arbitrator.HandleSignalingRequest(stack.SignalingRequestEvent{Handle: 1, Identifier: 3, Params: validParams}))
		suite.Assert().Empty(suite.stack.Calls())
	})

	suite.Require().NoError(suite.arbitrator.Configure(narrow))

	suite.Run("link-layer accept replies then updates", func() {
		suite.stack.Reset()
		suite.Require().NoError(suite.arbitrator.HandleRemoteRequest(stack.RemoteParamRequestEvent{Handle: 1, Params: validParams}))
		suite.Assert().Equal([]replay.Op{replay.OpReplyRemoteParams, replay.OpUpdateConnection}, suite.stack.Ops())
	})

	suite.Run("signaling accept responds then updates", func() {
		suite.stack.Reset()
		suite.Require().NoError(suite.arbitrator.HandleSignalingRequest(stack.SignalingRequestEvent{Handle: 1, Identifier: 7, Params: validParams}))
		suite.Assert().Equal([]replay.Op{replay.OpRespondParamUpdate, replay.OpUpdateConnection}, suite.stack.Ops())
		call := suite.stack.CallsTo(replay.OpRespondParamUpdate)[0]
		suite.Assert().Equal(uint8(7), call.Identifier)
		suite.Assert().Equal(stack.SignalingAccepted, call.Result)
	})

	suite.Run("unacceptable proposals are rejected on the originating path only", func() {
		for _, p := range unacceptable {
			suite.stack.Reset()
			suite.Require().NoError(suite.arbitrator.HandleRemoteRequest(stack.RemoteParamRequestEvent{Handle: 1, Params: p}))
			suite.Assert().Equal([]replay.Op{replay.OpRejectRemoteParams}, suite.stack.Ops(), "%s", p)
			suite.Assert().Equal(uint8(0x3B), suite.stack.Calls()[0].Reason)

			suite.stack.Reset()
			suite.Require().NoError(suite.arbitrator.HandleSignalingRequest(stack.SignalingRequestEvent{Handle: 1, Identifier: 1, Params: p}))
			suite.Assert().Equal([]replay.Op{replay.OpRespondParamUpdate}, suite.stack.Ops(), "%s", p)
			suite.Assert().Equal(stack.SignalingRejected, suite.stack.Calls()[0].Result)
		}
	})

	suite.Run("accepted remote update does not report completion", func() {
		suite.results = nil
		suite.connect(1, gap.RoleCentral)
		suite.Require().NoError(suite.arbitrator.HandleRemoteRequest(stack.RemoteParamRequestEvent{Handle: 1, Params: validParams}))
		suite.arbitrator.HandleUpdateComplete(stack.ConnUpdateCompleteEvent{Handle: 1, Status: status.Success})
		suite.Assert().Empty(suite.results)
	})
}

func TestArbitratorTestSuite(t *testing.T) {
	suite.Run(t, new(ArbitratorTestSuite))
}

func TestFallsBackToSignaling(t *testing.T) {
	tests := []struct {
		name string
		err  error
		role gap.Role
		want bool
	}{
		{name: "peripheral unsupported feature", err: status.UnsupportedRemoteFeature, role: gap.RolePeripheral, want: true},
		{name: "wrapped unsupported feature", err: status.Errorf(status.UnsupportedRemoteFeature, "ll"), role: gap.RolePeripheral, want: true},
		{name: "central unsupported feature", err: status.UnsupportedRemoteFeature, role: gap.RoleCentral, want: false},
		{name: "peripheral other error", err: status.CommandDisallowed, role: gap.RolePeripheral, want: false},
		{name: "success", err: nil, role: gap.RolePeripheral, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, connection.FallsBackToSignaling(tt.err, tt.role))
		})
	}
}

func TestPolicy_Acceptable(t *testing.T) {
	p := connection.Policy{IntervalMin: 6, IntervalMax: 100, LatencyMin: 0, LatencyMax: 10}

	// timeout*4 >= (1+latency)*intervalMax
	assert.True(t, p.Acceptable(gap.ConnParams{IntervalMin: 6, IntervalMax: 100, Latency: 1, Timeout: 50}))
	assert.False(t, p.Acceptable(gap.ConnParams{IntervalMin: 6, IntervalMax: 100, Latency: 1, Timeout: 49}))
	assert.False(t, p.Acceptable(gap.ConnParams{IntervalMin: 6, IntervalMax: 101, Latency: 0, Timeout: 400}))
}
