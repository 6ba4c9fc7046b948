// Package supersede orchestrates the D0 → D1 correction workflow:
// validate, derive the successor, report impact, then either dry-run or
// commit atomically.
package supersede

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestline-capital/valuation-cli/internal/impact"
	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/store"
)

// Request describes one correction attempt. Execute false (the default)
// is a dry run: the result is fully computed but nothing is persisted.
type Request struct {
	PackID          string            `json:"pack_id"`
	Reason          string            `json:"reason"`
	SourceOverrides map[string]string `json:"source_overrides,omitempty"`
	Execute         bool              `json:"execute"`
}

// Result reports the outcome of a correction attempt. The shape is
// identical for dry-run and execute; only Executed differs.
type Result struct {
	RequestID string         `json:"request_id"`
	D0PackID  string         `json:"d0_pack_id"`
	D1PackID  string         `json:"d1_pack_id"`
	Reason    string         `json:"reason"`
	Impact    *impact.Report `json:"impact"`
	Executed  bool           `json:"executed"`
	Timestamp time.Time      `json:"timestamp"`
}

// Coordinator runs correction requests against the store.
type Coordinator struct {
	store    store.Store
	analyzer *impact.Analyzer
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st store.Store, analyzer *impact.Analyzer) *Coordinator {
	return &Coordinator{store: st, analyzer: analyzer}
}

// Run validates the request, derives the successor pack, attaches the D0
// impact report, and commits when Execute is set. Validation failures
// abort before any mutation; the commit itself is a single store
// transaction, so a partial write is not observable.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, eris.New("supersede: reason is required")
	}

	d0, err := c.store.GetPack(ctx, req.PackID)
	if err != nil {
		return nil, err
	}
	if !d0.IsHead() {
		return nil, eris.Wrapf(store.ErrAlreadySuperseded, "pack %s superseded by %s", d0.ID, *d0.SupersededBy)
	}

	d1, err := deriveSuccessor(d0, req.SourceOverrides)
	if err != nil {
		return nil, err
	}

	// Blast radius of D0 as of this moment, in both modes, so the caller
	// can assess what a commit would orphan.
	report, err := c.analyzer.Analyze(ctx, d0.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RequestID: uuid.New().String(),
		D0PackID:  d0.ID,
		D1PackID:  d1.ID,
		Reason:    req.Reason,
		Impact:    report,
		Executed:  req.Execute,
		Timestamp: time.Now().UTC(),
	}

	log := zap.L().With(
		zap.String("component", "supersede.coordinator"),
		zap.String("request_id", result.RequestID),
		zap.String("d0_pack_id", d0.ID),
		zap.String("d1_pack_id", d1.ID),
	)

	if !req.Execute {
		log.Info("supersede dry run", zap.String("reason", req.Reason))
		return result, nil
	}

	if err := c.store.CommitSupersede(ctx, d0.ID, *d1); err != nil {
		return nil, err
	}
	log.Info("supersede committed", zap.String("reason", req.Reason))
	return result, nil
}

var successorSuffix = regexp.MustCompile(`^(.*)_D(\d+)$`)

// SuccessorID derives the next correction id: PP_2025-10-21 becomes
// PP_2025-10-21_D1, PP_2025-10-21_D1 becomes PP_2025-10-21_D2.
func SuccessorID(id string) string {
	if m := successorSuffix.FindStringSubmatch(id); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return fmt.Sprintf("%s_D%d", m[1], n+1)
		}
	}
	return id + "_D1"
}

// deriveSuccessor builds D1 in memory: id and hash derived from D0, every
// other field copied, overrides applied to sources only. No I/O.
func deriveSuccessor(d0 *model.PricingPack, overrides map[string]string) (*model.PricingPack, error) {
	sources := d0.Sources
	for key, value := range overrides {
		if err := sources.ApplyOverride(key, value); err != nil {
			return nil, eris.Wrapf(err, "supersede: override rejected for pack %s", d0.ID)
		}
	}

	d1 := &model.PricingPack{
		ID:          SuccessorID(d0.ID),
		Date:        d0.Date,
		Policy:      d0.Policy,
		Status:      model.PackStatusBuilding,
		IsFresh:     false,
		PrewarmDone: false,
		Sources:     sources,
	}
	hash, err := contentHash(d0.ContentHash, d1.ID, sources)
	if err != nil {
		return nil, err
	}
	d1.ContentHash = hash
	return d1, nil
}

// contentHash derives the successor's content hash. D0's own hash is an
// input, so the result always differs from it.
func contentHash(d0Hash, d1ID string, sources model.PackSources) (string, error) {
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return "", eris.Wrap(err, "supersede: marshal sources for hash")
	}
	h := sha256.New()
	h.Write([]byte(d0Hash))
	h.Write([]byte{0})
	h.Write([]byte(d1ID))
	h.Write([]byte{0})
	h.Write(sourcesJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}
