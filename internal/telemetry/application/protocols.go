package application

import (
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GenericProtocol is used for protocols without their own entry.
const GenericProtocol = "generic"

// Protocol holds the counter width of a meter protocol.
type Protocol struct {
	Name string `yaml:"name"`
	// RolloverPoint is the value at which the cumulative counter wraps.
	RolloverPoint float64 `yaml:"rollover_point"`
	// Margin is the window below RolloverPoint in which a small next value
	// is taken as a wrap.
	Margin float64 `yaml:"margin"`
	// MaxEnergyDelta is the largest credible delta per reading.
	MaxEnergyDelta float64 `yaml:"max_energy_delta"`

	// derivedDelta marks a MaxEnergyDelta computed from Margin.
	derivedDelta bool
}

// Correct returns the corrected cumulative value for next given the last
// stored value prev, and whether a wrap was detected. Completed wraps already
// folded into prev are carried forward. A prev exactly at
// RolloverPoint-Margin is not yet in the wrap window.
func (p Protocol) Correct(prev, next float64) (float64, bool) {
	if p.RolloverPoint <= 0 || prev < 0 {
		return next, false
	}
	offset := math.Floor(prev/p.RolloverPoint) * p.RolloverPoint
	inWrap := prev - offset
	switch {
	case next >= inWrap:
		return offset + next, false
	case inWrap > p.RolloverPoint-p.Margin && next < p.Margin:
		return offset + next + p.RolloverPoint, true
	default:
		return next, false
	}
}

func (p Protocol) withDefaults() Protocol {
	if p.MaxEnergyDelta <= 0 || p.derivedDelta {
		p.MaxEnergyDelta = 2 * p.Margin
		p.derivedDelta = true
	}
	return p
}

// Protocols is the rollover table keyed by lower-case protocol name.
type Protocols struct {
	byName map[string]Protocol
}

type protocolFile struct {
	Protocols []Protocol `yaml:"protocols"`
}

// DefaultProtocols returns the built-in counter widths.
func DefaultProtocols() *Protocols {
	return newProtocols(
		Protocol{Name: "obvius", RolloverPoint: 100_000_000, Margin: 100_000},
		Protocol{Name: "solectria", RolloverPoint: 1_000_000, Margin: 1_000},
		Protocol{Name: GenericProtocol, RolloverPoint: 4_294_967.296, Margin: 10_000},
	)
}

func newProtocols(protocols ...Protocol) *Protocols {
	table := &Protocols{byName: make(map[string]Protocol, len(protocols))}
	for _, p := range protocols {
		table.set(p)
	}
	return table
}

func (t *Protocols) set(p Protocol) {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if p.Name == "" {
		return
	}
	t.byName[p.Name] = p.withDefaults()
}

// LoadProtocols reads a YAML table and merges it over the defaults.
// An empty path returns the defaults.
func LoadProtocols(path string) (*Protocols, error) {
	table := DefaultProtocols()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return table, table.Merge(data)
}

// Merge overlays YAML protocol entries onto the table. Zero fields keep
// the existing value of a known protocol; a derived delta ceiling follows a
// new margin.
func (t *Protocols) Merge(data []byte) error {
	var file protocolFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	for _, override := range file.Protocols {
		name := strings.ToLower(strings.TrimSpace(override.Name))
		base, ok := t.byName[name]
		if !ok {
			t.set(override)
			continue
		}
		if override.RolloverPoint > 0 {
			base.RolloverPoint = override.RolloverPoint
		}
		if override.Margin > 0 {
			base.Margin = override.Margin
		}
		if override.MaxEnergyDelta > 0 {
			base.MaxEnergyDelta = override.MaxEnergyDelta
			base.derivedDelta = false
		}
		t.byName[name] = base.withDefaults()
	}
	return nil
}

// Lookup returns the entry for name, falling back to the generic protocol.
func (t *Protocols) Lookup(name string) Protocol {
	if p, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return t.byName[GenericProtocol]
}
