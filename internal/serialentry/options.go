package serialentry

import (
	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/pricing"
)

// Options are the session-level switches of the recomputation engine.
type Options struct {
	TargetCurrency string
	// PricingItemNumber keys price snapshots by this function's value.
	PricingItemNumber function.Name
	// ComputeOnEveryColumn runs pricing for edits of any column.
	ComputeOnEveryColumn bool
	// AutoCorrectQuota lowers edited quantities that exceed the remaining quota.
	AutoCorrectQuota bool
	// DontUpdateRowPrices skips writing the end and net price columns.
	DontUpdateRowPrices bool
	// KeepPricingOnManualPrice suppresses the automatic pricing disable on a
	// manual unit price entry.
	KeepPricingOnManualPrice bool
	OverallDiscount          pricing.OverallDiscount
	// SyncAfterChildren appends a sync record after child records.
	SyncAfterChildren bool
	// SaveUnchanged persists unchanged values too.
	SaveUnchanged bool
	// Params are available to $<Param> initial-value rules.
	Params map[string]string
}
