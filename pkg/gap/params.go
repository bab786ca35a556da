package gap

import "fmt"

// Protocol-legal connection parameter bounds
const (
	IntervalMin uint16 = 0x0006 // 7.5 ms in 1.25 ms units
	IntervalMax uint16 = 0x0C80 // 4 s
	LatencyMax  uint16 = 0x01F3
	TimeoutMin  uint16 = 0x000A // 100 ms in 10 ms units
	TimeoutMax  uint16 = 0x0C80 // 32 s
)

// ConnParams is a connection-parameter proposal
type ConnParams struct {
	IntervalMin uint16 `yaml:"interval_min" json:"interval_min"`
	IntervalMax uint16 `yaml:"interval_max" json:"interval_max"`
	Latency     uint16 `yaml:"latency" json:"latency"`
	Timeout     uint16 `yaml:"timeout" json:"timeout"`
}

// InLegalRange reports whether every field is within protocol bounds and min <= max
func (p ConnParams) InLegalRange() bool {
	if p.IntervalMin < IntervalMin || p.IntervalMax > IntervalMax || p.IntervalMin > p.IntervalMax {
		return false
	}
	if p.Latency > LatencyMax {
		return false
	}
	return p.Timeout >= TimeoutMin && p.Timeout <= TimeoutMax
}

// TimeoutConsistent checks the supervision timeout against interval and latency:
// Timeout*10ms >= 2*(1+Latency)*IntervalMax*1.25ms.
func (p ConnParams) TimeoutConsistent() bool {
	return uint32(p.Timeout)*4 >= (1+uint32(p.Latency))*uint32(p.IntervalMax)
}

// Valid combines the range and consistency checks
func (p ConnParams) Valid() bool {
	return p.InLegalRange() && p.TimeoutConsistent()
}

func (p ConnParams) String() string {
	return fmt.Sprintf("interval=%d..%d latency=%d timeout=%d", p.IntervalMin, p.IntervalMax, p.Latency, p.Timeout)
}
