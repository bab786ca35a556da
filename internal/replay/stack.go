package replay

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
)

// Op names a protocol-stack request
type Op string

const (
	OpUpdateConnection    Op = "update_connection"
	OpReplyRemoteParams   Op = "reply_remote_params"
	OpRejectRemoteParams  Op = "reject_remote_params"
	OpRequestParamUpdate  Op = "request_param_update"
	OpRespondParamUpdate  Op = "respond_param_update"
	OpReplyLTK            Op = "reply_ltk"
	OpRejectLTK           Op = "reject_ltk"
	OpSetFilterAcceptList Op = "set_filter_accept_list"
	OpSetResolvingList    Op = "set_resolving_list"
)

// Call is one recorded request
type Call struct {
	Op         Op
	Handle     gap.ConnHandle
	Params     gap.ConnParams
	Identifier uint8
	Result     stack.SignalingResult
	Reason     uint8
	LTK        [16]byte
	Addresses  []gap.Address
	Resolving  []stack.ResolvingEntry
}

func (c Call) String() string {
	switch c.Op {
	case OpUpdateConnection, OpReplyRemoteParams, OpRequestParamUpdate:
		return fmt.Sprintf("%s handle=0x%04x %s", c.Op, c.Handle, c.Params)
	case OpRejectRemoteParams:
		return fmt.Sprintf("%s handle=0x%04x reason=0x%02x", c.Op, c.Handle, c.Reason)
	case OpRespondParamUpdate:
		return fmt.Sprintf("%s handle=0x%04x id=%d %s", c.Op, c.Handle, c.Identifier, c.Result)
	case OpReplyLTK, OpRejectLTK:
		return fmt.Sprintf("%s handle=0x%04x", c.Op, c.Handle)
	case OpSetFilterAcceptList:
		return fmt.Sprintf("%s count=%d", c.Op, len(c.Addresses))
	case OpSetResolvingList:
		return fmt.Sprintf("%s count=%d", c.Op, len(c.Resolving))
	default:
		return string(c.Op)
	}
}

// Stack is a recording protocol stack. Every request succeeds unless a
// failure was queued for its Op with FailNext.
type Stack struct {
	logger *logrus.Logger

	mu       sync.Mutex
	calls    []Call
	failures map[Op][]status.Code
}

var _ stack.Stack = (*Stack)(nil)

// NewStack returns an empty recording stack
func NewStack(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{logger: logger, failures: make(map[Op][]status.Code)}
}

// FailNext makes the next request of op return code
func (s *Stack) FailNext(op Op, code status.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], code)
}

// Calls returns every recorded request in order
func (s *Stack) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the recorded requests of op
func (s *Stack) CallsTo(op Op) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Ops returns the op sequence, handy for asserting call order
func (s *Stack) Ops() []Op {
	calls := s.Calls()
	out := make([]Op, len(calls))
	for i, c := range calls {
		out[i] = c.Op
	}
	return out
}

// Reset drops recorded calls and queued failures
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.failures = make(map[Op][]status.Code)
}

func (s *Stack) record(c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, c)
	queued := s.failures[c.Op]
	if len(queued) == 0 {
		s.logger.WithField("call", c.String()).Debug("Stack request")
		return nil
	}
	code := queued[0]
	s.failures[c.Op] = queued[1:]
	s.logger.WithFields(logrus.Fields{"call": c.String(), "status": code.String()}).Debug("Stack request failed")
	if code == status.Success {
		return nil
	}
	return code
}

func (s *Stack) UpdateConnection(handle gap.ConnHandle, params gap.ConnParams) error {
	return s.record(Call{Op: OpUpdateConnection, Handle: handle, Params: params})
}

func (s *Stack) ReplyRemoteParams(handle gap.ConnHandle, params gap.ConnParams) error {
	return s.record(Call{Op: OpReplyRemoteParams, Handle: handle, Params: params})
}

func (s *Stack) RejectRemoteParams(handle gap.ConnHandle, reason uint8) error {
	return s.record(Call{Op: OpRejectRemoteParams, Handle: handle, Reason: reason})
}

func (s *Stack) RequestParamUpdate(handle gap.ConnHandle, params gap.ConnParams) error {
	return s.record(Call{Op: OpRequestParamUpdate, Handle: handle, Params: params})
}

func (s *Stack) RespondParamUpdate(handle gap.ConnHandle, identifier uint8, result stack.SignalingResult) error {
	return s.record(Call{Op: OpRespondParamUpdate, Handle: handle, Identifier: identifier, Result: result})
}

func (s *Stack) ReplyLTK(handle gap.ConnHandle, ltk [16]byte) error {
	return s.record(Call{Op: OpReplyLTK, Handle: handle, LTK: ltk})
}

func (s *Stack) RejectLTK(handle gap.ConnHandle) error {
	return s.record(Call{Op: OpRejectLTK, Handle: handle})
}

func (s *Stack) SetFilterAcceptList(addrs []gap.Address) error {
	return s.record(Call{Op: OpSetFilterAcceptList, Addresses: append([]gap.Address(nil), addrs...)})
}

func (s *Stack) SetResolvingList(entries []stack.ResolvingEntry) error {
	return s.record(Call{Op: OpSetResolvingList, Resolving: append([]stack.ResolvingEntry(nil), entries...)})
}

// ParseOp accepts an Op name, case-insensitively
func ParseOp(name string) (Op, error) {
	for _, op := range []Op{
		OpUpdateConnection, OpReplyRemoteParams, OpRejectRemoteParams,
		OpRequestParamUpdate, OpRespondParamUpdate, OpReplyLTK, OpRejectLTK,
		OpSetFilterAcceptList, OpSetResolvingList,
	} {
		if strings.EqualFold(string(op), name) {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown stack operation %q", name)
}
