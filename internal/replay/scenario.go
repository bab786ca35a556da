package replay

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/internal/bonding"
	"github.com/srg/bledm/internal/events"
	"github.com/srg/bledm/pkg/connection"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
	"gopkg.in/yaml.v3"
)

// Step kinds
const (
	StepConnected         = "connected"
	StepDisconnected      = "disconnected"
	StepRequestUpdate     = "request_update"
	StepConfigure         = "configure"
	StepFailNext          = "fail_next"
	StepUpdateComplete    = "update_complete"
	StepRemoteRequest     = "remote_request"
	StepSignalingRequest  = "signaling_request"
	StepSignalingResponse = "signaling_response"
	StepPairingStarted    = "pairing_started"
	StepPairingComplete   = "pairing_complete"
	StepEncryptionStarted = "encryption_started"
	StepEncryptionChanged = "encryption_changed"
	StepLTKRequest        = "ltk_request"
)

// Keys is the pairing output of a pairing_complete step. Keys are MSB-first hex.
type Keys struct {
	Identity          string `yaml:"identity"`
	IdentityType      string `yaml:"identity_type"`
	IRK               string `yaml:"irk"`
	LTK               string `yaml:"ltk"`
	EDIV              uint16 `yaml:"ediv"`
	Rand              string `yaml:"rand"`
	KeySize           uint8  `yaml:"key_size"`
	SecureConnections bool   `yaml:"secure_connections"`
	Authenticated     bool   `yaml:"authenticated"`
	Bonding           bool   `yaml:"bonding"`
}

// Step is one stack callback, application call or stack fault
type Step struct {
	Do         string             `yaml:"do"`
	Handle     uint16             `yaml:"handle"`
	Status     string             `yaml:"status,omitempty"`
	Role       string             `yaml:"role,omitempty"`
	Peer       string             `yaml:"peer,omitempty"`
	PeerType   string             `yaml:"peer_type,omitempty"`
	Params     *gap.ConnParams    `yaml:"params,omitempty"`
	Policy     *connection.Policy `yaml:"policy,omitempty"`
	Reason     uint8              `yaml:"reason,omitempty"`
	Identifier uint8              `yaml:"identifier,omitempty"`
	Accepted   bool               `yaml:"accepted,omitempty"`
	Enabled    bool               `yaml:"enabled,omitempty"`
	Op         string             `yaml:"op,omitempty"`
	EDIV       uint16             `yaml:"ediv,omitempty"`
	Rand       string             `yaml:"rand,omitempty"`
	Keys       *Keys              `yaml:"keys,omitempty"`

	// Expect lists the event types the step must raise, in order. Nil skips the check.
	Expect []string `yaml:"expect,omitempty"`
	// Calls lists the stack operations the step must issue, in order. Nil skips the check.
	Calls []string `yaml:"calls,omitempty"`
	// Error expects the step to fail with this status name.
	Error string `yaml:"error,omitempty"`
}

// Scenario is a scripted session against a device manager
type Scenario struct {
	Name         string             `yaml:"name"`
	LocalAddress string             `yaml:"local_address,omitempty"`
	LocalIRK     string             `yaml:"local_irk,omitempty"`
	Policy       *connection.Policy `yaml:"policy,omitempty"`
	Steps        []Step             `yaml:"steps"`
}

// ParseScenario decodes a YAML scenario, rejecting unknown fields
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", sc.Name)
	}
	return &sc, nil
}

// LoadScenario reads a YAML scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// Target is the device-manager surface a scenario drives
type Target interface {
	Configure(p connection.Policy) error
	RequestUpdate(handle gap.ConnHandle, params gap.ConnParams) error
	SetLocalIdentity(addr gap.Address, irk [16]byte)

	OnConnected(evt stack.ConnectedEvent)
	OnDisconnected(evt stack.DisconnectedEvent)
	OnConnUpdateComplete(evt stack.ConnUpdateCompleteEvent)
	OnRemoteConnParamRequest(evt stack.RemoteParamRequestEvent) error
	OnSignalingParamRequest(evt stack.SignalingRequestEvent) error
	OnSignalingParamResponse(evt stack.SignalingResponseEvent)
	OnPairingStarted(handle gap.ConnHandle)
	OnPairingComplete(ctx context.Context, evt stack.PairingCompleteEvent) error
	OnEncryptionStarted(handle gap.ConnHandle)
	OnEncryptionChanged(evt stack.EncryptionChangedEvent)
	OnLTKRequest(evt stack.LTKRequestEvent) error
}

// StepResult is what one step produced
type StepResult struct {
	Index  int
	Step   Step
	Calls  []Call
	Events []events.Event
	Err    error
}

// Runner replays scenarios through a Target wired to a recording Stack
type Runner struct {
	stack  *Stack
	target Target
	logger *logrus.Logger
	runID  uuid.UUID

	mu      sync.Mutex
	pending []events.Event
}

// NewRunner binds a runner to the stack the target was built on. Register
// Handler with the target before calling Run.
func NewRunner(st *Stack, target Target, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{stack: st, target: target, logger: logger, runID: uuid.New()}
}

// RunID identifies this runner in logs
func (r *Runner) RunID() uuid.UUID {
	return r.runID
}

// Handler collects target events for the step being run
func (r *Runner) Handler() events.Handler {
	return func(evt events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.pending = append(r.pending, evt)
	}
}

func (r *Runner) drain() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

// Run executes every step in order. Step results are passed to observe as
// they complete (observe may be nil). The first failed expectation stops the
// run and is returned.
func (r *Runner) Run(ctx context.Context, sc *Scenario, observe func(StepResult)) ([]StepResult, error) {
	log := r.logger.WithFields(logrus.Fields{"run": r.runID.String(), "scenario": sc.Name})
	log.Info("Scenario started")

	if sc.LocalAddress != "" || sc.LocalIRK != "" {
		var local gap.Address
		var irk [16]byte
		var err error
		if sc.LocalAddress != "" {
			if local, err = gap.ParseAddress(sc.LocalAddress, gap.AddrPublic); err != nil {
				return nil, err
			}
		}
		if sc.LocalIRK != "" {
			if irk, err = bonding.ParseKey(sc.LocalIRK); err != nil {
				return nil, err
			}
		}
		r.target.SetLocalIdentity(local, irk)
	}
	if sc.Policy != nil {
		if err := r.target.Configure(*sc.Policy); err != nil {
			return nil, fmt.Errorf("scenario policy: %w", err)
		}
	}
	r.drain()

	results := make([]StepResult, 0, len(sc.Steps))
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		before := len(r.stack.Calls())
		err := r.apply(ctx, step)
		res := StepResult{Index: i, Step: step, Calls: r.stack.Calls()[before:], Events: r.drain(), Err: err}
		results = append(results, res)
		if observe != nil {
			observe(res)
		}

		if cerr := check(res); cerr != nil {
			log.WithFields(logrus.Fields{"step": i, "do": step.Do, "error": cerr}).Warn("Scenario expectation failed")
			return results, fmt.Errorf("step %d (%s): %w", i+1, step.Do, cerr)
		}
		log.WithFields(logrus.Fields{"step": i, "do": step.Do, "events": len(res.Events)}).Debug("Step done")
	}

	log.WithField("steps", len(results)).Info("Scenario finished")
	return results, nil
}

func check(res StepResult) error {
	step := res.Step
	if step.Error != "" {
		want, err := status.Parse(step.Error)
		if err != nil {
			return err
		}
		if res.Err == nil || status.Of(res.Err) != want {
			return fmt.Errorf("expected error %q, got %v", want, res.Err)
		}
	} else if res.Err != nil {
		return res.Err
	}

	if step.Expect != nil {
		got := make([]string, len(res.Events))
		for i, evt := range res.Events {
			got[i] = evt.Type.String()
		}
		if strings.Join(got, ",") != strings.Join(step.Expect, ",") {
			return fmt.Errorf("expected events [%s], got [%s]", strings.Join(step.Expect, ", "), strings.Join(got, ", "))
		}
	}

	if step.Calls != nil {
		got := make([]string, len(res.Calls))
		for i, c := range res.Calls {
			got[i] = string(c.Op)
		}
		if strings.Join(got, ",") != strings.Join(step.Calls, ",") {
			return fmt.Errorf("expected stack calls [%s], got [%s]", strings.Join(step.Calls, ", "), strings.Join(got, ", "))
		}
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, s Step) error {
	h := gap.ConnHandle(s.Handle)

	code := status.Success
	if s.Status != "" {
		var err error
		if code, err = status.Parse(s.Status); err != nil {
			return err
		}
	}

	switch s.Do {
	case StepConnected:
		role := gap.RoleCentral
		if strings.EqualFold(s.Role, gap.RolePeripheral.String()) {
			role = gap.RolePeripheral
		}
		peer, err := address(s.Peer, s.PeerType)
		if err != nil {
			return err
		}
		r.target.OnConnected(stack.ConnectedEvent{Handle: h, Status: code, Role: role, Peer: peer, Params: params(s)})
	case StepDisconnected:
		r.target.OnDisconnected(stack.DisconnectedEvent{Handle: h, Reason: s.Reason})
	case StepConfigure:
		if s.Policy == nil {
			return status.Errorf(status.InvalidParameter, "configure step without policy")
		}
		return r.target.Configure(*s.Policy)
	case StepRequestUpdate:
		return r.target.RequestUpdate(h, params(s))
	case StepFailNext:
		op, err := ParseOp(s.Op)
		if err != nil {
			return err
		}
		if s.Status == "" {
			code = status.Fail
		}
		r.stack.FailNext(op, code)
	case StepUpdateComplete:
		r.target.OnConnUpdateComplete(stack.ConnUpdateCompleteEvent{Handle: h, Status: code, Params: params(s)})
	case StepRemoteRequest:
		return r.target.OnRemoteConnParamRequest(stack.RemoteParamRequestEvent{Handle: h, Params: params(s)})
	case StepSignalingRequest:
		return r.target.OnSignalingParamRequest(stack.SignalingRequestEvent{Handle: h, Identifier: s.Identifier, Params: params(s)})
	case StepSignalingResponse:
		result := stack.SignalingRejected
		if s.Accepted {
			result = stack.SignalingAccepted
		}
		r.target.OnSignalingParamResponse(stack.SignalingResponseEvent{Handle: h, Result: result})
	case StepPairingStarted:
		r.target.OnPairingStarted(h)
	case StepPairingComplete:
		var keys stack.PairingKeys
		if s.Keys != nil {
			var err error
			if keys, err = pairingKeys(*s.Keys); err != nil {
				return err
			}
		}
		return r.target.OnPairingComplete(ctx, stack.PairingCompleteEvent{Handle: h, Status: code, Reason: s.Reason, Keys: keys})
	case StepEncryptionStarted:
		r.target.OnEncryptionStarted(h)
	case StepEncryptionChanged:
		r.target.OnEncryptionChanged(stack.EncryptionChangedEvent{Handle: h, Status: code, Reason: s.Reason, Enabled: s.Enabled})
	case StepLTKRequest:
		rnd, err := decodeRand(s.Rand)
		if err != nil {
			return err
		}
		return r.target.OnLTKRequest(stack.LTKRequestEvent{Handle: h, EDIV: s.EDIV, Rand: rnd})
	default:
		return status.Errorf(status.InvalidParameter, "unknown step %q", s.Do)
	}
	return nil
}

func params(s Step) gap.ConnParams {
	if s.Params == nil {
		return gap.ConnParams{}
	}
	return *s.Params
}

func address(s, typ string) (gap.Address, error) {
	if s == "" {
		return gap.Address{}, nil
	}
	t := gap.AddrPublic
	if typ != "" {
		var err error
		if t, err = gap.ParseAddressType(typ); err != nil {
			return gap.Address{}, err
		}
	}
	return gap.ParseAddress(s, t)
}

func decodeRand(s string) ([8]byte, error) {
	var rnd [8]byte
	if s == "" {
		return rnd, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(rnd) {
		return rnd, status.Errorf(status.InvalidParameter, "malformed rand %q", s)
	}
	for i := range raw {
		rnd[i] = raw[len(raw)-1-i]
	}
	return rnd, nil
}

func pairingKeys(k Keys) (stack.PairingKeys, error) {
	identity, err := address(k.Identity, k.IdentityType)
	if err != nil {
		return stack.PairingKeys{}, err
	}
	out := stack.PairingKeys{
		PeerIdentity:      identity,
		EDIV:              k.EDIV,
		KeySize:           k.KeySize,
		SecureConnections: k.SecureConnections,
		Authenticated:     k.Authenticated,
		Bonding:           k.Bonding,
	}
	if k.IRK != "" {
		if out.PeerIRK, err = bonding.ParseKey(k.IRK); err != nil {
			return stack.PairingKeys{}, err
		}
	}
	if k.LTK != "" {
		if out.LTK, err = bonding.ParseKey(k.LTK); err != nil {
			return stack.PairingKeys{}, err
		}
	}
	if out.Rand, err = decodeRand(k.Rand); err != nil {
		return stack.PairingKeys{}, err
	}
	return out, nil
}
