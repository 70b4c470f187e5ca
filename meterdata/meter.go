// Package meterdata is a smart-meter data source: each client reports
// its own simulated power usage, a query selects and filters readings
// against a threshold, and the aggregate operator sums (or averages)
// the surviving readings.
//
// Manifest defaults are loaded with github.com/BurntSushi/toml rather
// than a hand-rolled parser.
package meterdata

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/dedis/adq/message"
)

// Opcodes this data source understands. AggregateSum and AggregateAverage
// differ only in how ServerNode's caller interprets the final
// (sum, contributor-count) pair the aggregation tree always computes;
// the wire-level Record itself is identical either way.
const (
	OpSelectAll         message.Opcode = 0
	OpFilterThreshold    message.Opcode = 1
	OpAggregateSum       message.Opcode = 2
	OpAggregateAverage   message.Opcode = 3
)

// Reading is the Record this data source contributes: one client's
// instantaneous usage in kWh, or (after tree aggregation) a running sum
// and contributor count.
type Reading struct {
	Sum   float64
	Count int32
}

// Equal implements message.Record.
func (r Reading) Equal(other message.Record) bool {
	o, ok := other.(Reading)
	if !ok {
		return false
	}
	return math.Abs(r.Sum-o.Sum) < 1e-9 && r.Count == o.Count
}

// Encode implements message.Record.
func (r Reading) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(r.Sum))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Count))
	return buf
}

// Codec decodes Reading values off the wire; it is the message.RecordCodec
// every component in this module threads through for meter-data queries.
type Codec struct{}

// DecodeRecord implements message.RecordCodec.
func (Codec) DecodeRecord(b []byte) (message.Record, error) {
	if len(b) != 12 {
		return nil, fmt.Errorf("meterdata: malformed reading encoding (%d bytes)", len(b))
	}
	return Reading{
		Sum:   math.Float64frombits(binary.LittleEndian.Uint64(b[0:8])),
		Count: int32(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// Combiner sums two Readings, implementing aggregation.Combiner.
type Combiner struct{}

// Combine implements aggregation.Combiner.
func (Combiner) Combine(a, b message.Record) message.Record {
	ra, _ := a.(Reading)
	rb, _ := b.(Reading)
	return Reading{Sum: ra.Sum + rb.Sum, Count: ra.Count + rb.Count}
}

// Manifest is the [defaults] section of meterdata.toml: the normal
// distribution every usage sample is first drawn from, and the filter
// threshold used when a query supplies none.
type Manifest struct {
	Defaults struct {
		MeanKW      float64 `toml:"mean_kw"`
		StdDevKW    float64 `toml:"std_dev_kw"`
		Threshold   float64 `toml:"threshold_kw"`
	} `toml:"defaults"`
}

// LoadManifest parses a meterdata.toml file.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("meterdata: load manifest %s: %w", path, err)
	}
	return &m, nil
}

// Curve is one of the four per-household data files named on the client
// command line (power, frequency, probability, saturation): a sequence of
// samples read one float per line, cycled over time.
type Curve []float64

// LoadCurve reads a whitespace/newline-separated list of floating point
// samples.
func LoadCurve(path string) (Curve, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("meterdata: load curve %s: %w", path, err)
	}
	defer f.Close()

	var samples Curve
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var v float64
		if _, err := fmt.Sscanf(scanner.Text(), "%g", &v); err != nil {
			continue
		}
		samples = append(samples, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("meterdata: reading curve %s: %w", path, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("meterdata: curve %s has no samples", path)
	}
	return samples, nil
}

func (c Curve) at(tick int) float64 { return c[tick%len(c)] }

// Household is one client's smart meter: four curves (power, frequency,
// probability of being on, and saturation cap) that shape one usage sample
// per query drawn from the manifest defaults; a nil curve is skipped.
type Household struct {
	Power, Frequency, Probability, Saturation Curve
	Manifest *Manifest
	Rand     *rand.Rand

	tick int
}

// NewHousehold constructs a synthetic meter seeded by seed; any curve left
// nil is skipped when sampling.
func NewHousehold(power, frequency, probability, saturation Curve, manifest *Manifest, seed int64) *Household {
	return &Household{
		Power:       power,
		Frequency:   frequency,
		Probability: probability,
		Saturation:  saturation,
		Manifest:    manifest,
		Rand:        rand.New(rand.NewSource(seed)),
	}
}

// sample synthesizes this tick's usage: a base draw from the manifest's
// normal distribution, scaled by the power/frequency curves when present,
// gated by the probability curve (a coin flip), and capped by saturation.
func (h *Household) sample() float64 {
	tick := h.tick
	h.tick++

	mean, std := h.Manifest.Defaults.MeanKW, h.Manifest.Defaults.StdDevKW
	usage := mean + h.Rand.NormFloat64()*std
	if h.Power != nil {
		usage *= h.Power.at(tick)
	}
	if h.Frequency != nil {
		usage *= h.Frequency.at(tick)
	}
	if h.Probability != nil && h.Rand.Float64() > h.Probability.at(tick) {
		usage = 0
	}
	if h.Saturation != nil {
		if cap := h.Saturation.at(tick); usage > cap {
			usage = cap
		}
	}
	if usage < 0 {
		usage = 0
	}
	return usage
}

// SelectAndFilter implements client.DataSource: every query against
// OpSelectAll contributes this tick's usage sample, filtered against the
// request's threshold (or the manifest default when FilterArgs is empty).
func (h *Household) SelectAndFilter(req *message.QueryRequest) (message.Record, bool, error) {
	if req.SelectOp != OpSelectAll {
		return nil, false, fmt.Errorf("meterdata: unsupported select operator %d", req.SelectOp)
	}
	usage := h.sample()

	threshold := h.Manifest.Defaults.Threshold
	if req.FilterOp == OpFilterThreshold && len(req.FilterArgs) == 8 {
		threshold = math.Float64frombits(binary.LittleEndian.Uint64(req.FilterArgs))
	}
	if usage < threshold {
		return nil, false, nil
	}
	return Reading{Sum: usage, Count: 1}, true, nil
}

// EncodeThreshold is the FilterArgs encoding a QueryRequest carries for
// OpFilterThreshold.
func EncodeThreshold(threshold float64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(threshold))
	return buf
}
