package synthesis

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Param names one per-guild voice parameter.
type Param string

const (
	ParamVolume        Param = "volume"
	ParamPitch         Param = "pitch"
	ParamRate          Param = "rate"
	ParamSpeed         Param = "speed"
	ParamStyleStrength Param = "style_strength"
	ParamTempo         Param = "tempo"
)

type paramSpec struct {
	field    string
	def      float64
	min, max float64
}

var paramSpecs = map[Param]paramSpec{
	ParamVolume:        {field: "volumeScale", def: 1.0, min: 0, max: 2},
	ParamPitch:         {field: "pitchScale", def: 0.0, min: -1, max: 1},
	ParamRate:          {field: "pauseLengthScale", def: 1.0, min: 0, max: 2},
	ParamSpeed:         {field: "speedScale", def: 1.0, min: 0.5, max: 2},
	ParamStyleStrength: {field: "intonationScale", def: 1.0, min: 0, max: 2},
	ParamTempo:         {field: "tempoDynamicsScale", def: 1.0, min: 0, max: 2},
}

// AllParams lists the parameters in a stable order.
func AllParams() []Param {
	params := make([]Param, 0, len(paramSpecs))
	for p := range paramSpecs {
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i] < params[j] })
	return params
}

// ParseParam accepts the canonical name and a camelCase spelling.
func ParseParam(name string) (Param, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "stylestrength", "style-strength", "style":
		key = string(ParamStyleStrength)
	}
	p := Param(key)
	if _, ok := paramSpecs[p]; !ok {
		return "", fmt.Errorf("unknown voice parameter %q", name)
	}
	return p, nil
}

// Default returns the value used when a guild has not set p.
func (p Param) Default() float64 { return paramSpecs[p].def }

// Range returns the inclusive bounds accepted for p.
func (p Param) Range() (float64, float64) {
	spec := paramSpecs[p]
	return spec.min, spec.max
}

// QueryField is the audio query key p is written to.
func (p Param) QueryField() string { return paramSpecs[p].field }

// Validate checks value against the documented range of p.
func (p Param) Validate(value float64) error {
	spec, ok := paramSpecs[p]
	if !ok {
		return fmt.Errorf("unknown voice parameter %q", string(p))
	}
	if math.IsNaN(value) || value < spec.min || value > spec.max {
		return fmt.Errorf("%s must be between %g and %g", p, spec.min, spec.max)
	}
	return nil
}

// Params holds the values a guild has set. Missing keys resolve to defaults.
type Params map[Param]float64

// Resolve returns the effective value of p.
func (ps Params) Resolve(p Param) float64 {
	if v, ok := ps[p]; ok {
		return v
	}
	return p.Default()
}

// Clone returns an independent copy.
func (ps Params) Clone() Params {
	out := make(Params, len(ps))
	for k, v := range ps {
		out[k] = v
	}
	return out
}
