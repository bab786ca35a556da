package connection

import (
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
)

// Policy is the locally acceptable connection-parameter range
type Policy struct {
	IntervalMin uint16 `yaml:"interval_min" toml:"interval_min" json:"interval_min"`
	IntervalMax uint16 `yaml:"interval_max" toml:"interval_max" json:"interval_max"`
	LatencyMin  uint16 `yaml:"latency_min" toml:"latency_min" json:"latency_min"`
	LatencyMax  uint16 `yaml:"latency_max" toml:"latency_max" json:"latency_max"`
}

// Validate checks min <= max on both axes and the protocol-legal bounds
func (p Policy) Validate() error {
	if p.IntervalMin < gap.IntervalMin || p.IntervalMax > gap.IntervalMax || p.IntervalMin > p.IntervalMax {
		return status.Errorf(status.InvalidParameter, "interval range %d..%d", p.IntervalMin, p.IntervalMax)
	}
	if p.LatencyMax > gap.LatencyMax || p.LatencyMin > p.LatencyMax {
		return status.Errorf(status.InvalidParameter, "latency range %d..%d", p.LatencyMin, p.LatencyMax)
	}
	return nil
}

// Accepts reports whether a proposal lies within the policy
func (p Policy) Accepts(params gap.ConnParams) bool {
	return params.IntervalMin >= p.IntervalMin &&
		params.IntervalMax <= p.IntervalMax &&
		params.Latency >= p.LatencyMin &&
		params.Latency <= p.LatencyMax
}

// Acceptable applies the full remote-request check: legal ranges, the
// supervision-timeout rule, then the policy.
func (p Policy) Acceptable(params gap.ConnParams) bool {
	return params.InLegalRange() && params.TimeoutConsistent() && p.Accepts(params)
}
