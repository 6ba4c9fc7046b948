// Package chain reconstructs supersede chains from the stored
// superseded_by links.
package chain

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/store"
)

// ErrMalformed marks a chain that violates the single-successor, acyclic
// invariant. It indicates prior corruption and is surfaced, never repaired.
var ErrMalformed = eris.New("malformed supersede chain")

// Chain is one ordered correction history, earliest ancestor first.
type Chain struct {
	Root    string   `json:"root"`
	Head    string   `json:"head"`
	PackIDs []string `json:"pack_ids"`
	Length  int      `json:"length"`
}

// Traverser lists chains from the store.
type Traverser struct {
	store store.Store
}

// NewTraverser creates a Traverser.
func NewTraverser(st store.Store) *Traverser {
	return &Traverser{store: st}
}

// List loads all packs and rebuilds every chain.
func (t *Traverser) List(ctx context.Context) ([]Chain, error) {
	packs, err := t.store.ListPacks(ctx)
	if err != nil {
		return nil, err
	}
	return Build(packs)
}

// Build reconstructs chains from a pack snapshot. Roots are packs no other
// pack points at; each root is walked forward until a pack with no
// successor. A successor claimed by two predecessors, a link to an unknown
// pack, or a walk revisiting a pack reports ErrMalformed with the
// offending id.
func Build(packs []model.PricingPack) ([]Chain, error) {
	byID := make(map[string]*model.PricingPack, len(packs))
	predecessor := make(map[string]string, len(packs))

	for i := range packs {
		p := &packs[i]
		byID[p.ID] = p
	}
	for i := range packs {
		p := &packs[i]
		if p.SupersededBy == nil {
			continue
		}
		succ := *p.SupersededBy
		if _, ok := byID[succ]; !ok {
			return nil, eris.Wrapf(ErrMalformed, "pack %s links to unknown successor %s", p.ID, succ)
		}
		if prev, claimed := predecessor[succ]; claimed {
			return nil, eris.Wrapf(ErrMalformed, "pack %s is the successor of both %s and %s", succ, prev, p.ID)
		}
		predecessor[succ] = p.ID
	}

	var chains []Chain
	for i := range packs {
		root := &packs[i]
		if _, hasPredecessor := predecessor[root.ID]; hasPredecessor {
			continue
		}

		c := Chain{Root: root.ID}
		visited := make(map[string]bool)
		for cur := root; ; {
			if visited[cur.ID] {
				return nil, eris.Wrapf(ErrMalformed, "cycle through pack %s", cur.ID)
			}
			visited[cur.ID] = true
			c.PackIDs = append(c.PackIDs, cur.ID)

			if cur.SupersededBy == nil {
				c.Head = cur.ID
				break
			}
			cur = byID[*cur.SupersededBy]
		}
		c.Length = len(c.PackIDs)
		chains = append(chains, c)
	}

	// A cycle with no root never enters a walk above; catch it by
	// checking that every pack landed in some chain.
	counted := 0
	for _, c := range chains {
		counted += c.Length
	}
	if counted != len(packs) {
		return nil, eris.Wrap(ErrMalformed, "orphan cycle detected: some packs belong to no chain")
	}

	sort.Slice(chains, func(i, j int) bool { return chains[i].Root < chains[j].Root })
	return chains, nil
}
