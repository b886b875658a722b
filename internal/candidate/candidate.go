package candidate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Region identifies the market region a candidate is simulated against.
type Region string

const (
	RegionUSA Region = "USA"
	RegionEUR Region = "EUR"
	RegionASI Region = "ASI"
	RegionGLB Region = "GLB"
	RegionCHN Region = "CHN"
)

// Neutralization identifies the risk-neutralization scheme applied to a
// candidate's positions during simulation.
type Neutralization string

const (
	NeutralizationNone        Neutralization = "NONE"
	NeutralizationMarket      Neutralization = "MARKET"
	NeutralizationSector      Neutralization = "SECTOR"
	NeutralizationIndustry    Neutralization = "INDUSTRY"
	NeutralizationSubIndustry Neutralization = "SUBINDUSTRY"
)

// Settings is the closed, validated set of simulation options attached to
// an expression. The orchestrator treats it as opaque configuration: it is
// serialized into the submission payload and folded into the fingerprint,
// nothing more.
type Settings struct {
	Region         Region         `json:"region"`
	Universe       string         `json:"universe"`
	Delay          int            `json:"delay"`
	Decay          int            `json:"decay"`
	Truncation     float64        `json:"truncation"`
	Neutralization Neutralization `json:"neutralization"`
	Pasteurization bool           `json:"pasteurization"`
	NanHandling    bool           `json:"nanHandling"`
}

// Validate checks that every enumerated field holds a known value.
func (s Settings) Validate() error {
	switch s.Region {
	case RegionUSA, RegionEUR, RegionASI, RegionGLB, RegionCHN:
	default:
		return fmt.Errorf("unknown region %q", s.Region)
	}
	switch s.Neutralization {
	case NeutralizationNone, NeutralizationMarket, NeutralizationSector,
		NeutralizationIndustry, NeutralizationSubIndustry:
	default:
		return fmt.Errorf("unknown neutralization %q", s.Neutralization)
	}
	if s.Universe == "" {
		return fmt.Errorf("universe is required")
	}
	if s.Decay < 0 {
		return fmt.Errorf("decay must be >= 0, got %d", s.Decay)
	}
	if s.Truncation < 0 || s.Truncation > 1 {
		return fmt.Errorf("truncation must be in [0,1], got %g", s.Truncation)
	}
	return nil
}

// Candidate is one evaluatable expression plus its simulation settings.
// It is immutable once handed to the scheduler; outcomes are recorded
// separately and keyed by Fingerprint.
type Candidate struct {
	Expression string   `json:"expression"`
	Settings   Settings `json:"settings"`

	// Fingerprint is the client-generated identity key, derived from the
	// expression and settings. Used for idempotent de-duplication and as
	// the join key between job outcomes and classification results.
	Fingerprint string `json:"fingerprint"`
}

// New builds a Candidate with its fingerprint populated.
func New(expression string, settings Settings) (Candidate, error) {
	if expression == "" {
		return Candidate{}, fmt.Errorf("expression is empty")
	}
	if err := settings.Validate(); err != nil {
		return Candidate{}, fmt.Errorf("invalid settings: %w", err)
	}
	return Candidate{
		Expression:  expression,
		Settings:    settings,
		Fingerprint: fingerprint(expression, settings),
	}, nil
}

// fingerprint hashes expression+settings into a stable hex key. Settings
// serialize with fixed field order, so equal inputs always produce equal
// fingerprints.
func fingerprint(expression string, settings Settings) string {
	h := sha256.New()
	h.Write([]byte(expression))
	h.Write([]byte{0})
	// Struct fields marshal in declaration order.
	blob, _ := json.Marshal(settings)
	h.Write(blob)
	return hex.EncodeToString(h.Sum(nil))
}
