// Package model defines the core entities of the valuation store:
// pricing packs, pinned metric and attribution records, and the
// pack-frozen FX snapshot.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the canonical wire format for valuation dates.
const DateLayout = "2006-01-02"

// PackStatus is the build-pipeline-owned lifecycle state of a pack.
type PackStatus string

const (
	PackStatusBuilding             PackStatus = "building"
	PackStatusReady                PackStatus = "ready"
	PackStatusReconciliationFailed PackStatus = "reconciliation_failed"
)

// SourceRef identifies one upstream data provider feeding a pack.
type SourceRef struct {
	Provider string `json:"provider" yaml:"provider"`
	URI      string `json:"uri" yaml:"uri"`
}

// PackSources is the typed record of upstream providers contributing to a
// pack. Keys are fixed so malformed source data fails at the boundary
// rather than at consumption time.
type PackSources struct {
	Prices           SourceRef `json:"prices" yaml:"prices"`
	FX               SourceRef `json:"fx" yaml:"fx"`
	CorporateActions SourceRef `json:"corporate_actions,omitempty" yaml:"corporate_actions,omitempty"`
}

// ApplyOverride sets a single source field addressed by a dotted key such
// as "sources.prices.uri". Only source fields are overridable; everything
// else on a pack is immutable once persisted.
func (s *PackSources) ApplyOverride(key, value string) error {
	switch key {
	case "sources.prices.provider":
		s.Prices.Provider = value
	case "sources.prices.uri":
		s.Prices.URI = value
	case "sources.fx.provider":
		s.FX.Provider = value
	case "sources.fx.uri":
		s.FX.URI = value
	case "sources.corporate_actions.provider":
		s.CorporateActions.Provider = value
	case "sources.corporate_actions.uri":
		s.CorporateActions.URI = value
	default:
		return eris.Errorf("field %q is not overridable", key)
	}
	return nil
}

// PricingPack is an immutable-by-convention snapshot of priced inputs for
// one valuation date. After insert, the only mutable fields are
// SupersededBy (written by the supersede commit) and the freshness/status
// flags owned by the build pipeline.
type PricingPack struct {
	ID           string      `json:"id"`
	Date         time.Time   `json:"date"`
	Policy       string      `json:"policy"`
	Status       PackStatus  `json:"status"`
	ContentHash  string      `json:"content_hash"`
	IsFresh      bool        `json:"is_fresh"`
	PrewarmDone  bool        `json:"prewarm_done"`
	SupersededBy *string     `json:"superseded_by,omitempty"`
	Sources      PackSources `json:"sources"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IsHead reports whether the pack is the current authoritative version of
// its chain, i.e. has no successor.
func (p *PricingPack) IsHead() bool {
	return p.SupersededBy == nil
}
