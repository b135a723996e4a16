package tsengine

import (
	"github.com/tsengine/tsengine/internal/collect"
	"github.com/tsengine/tsengine/internal/constants"
)

// Re-export constants for public API.
const (
	PageSize   = constants.PageSize
	SampleSize = constants.SampleSize

	DefaultPageCacheMB         = constants.DefaultPageCacheMB
	DefaultDiskQuotaMB         = constants.DefaultDiskQuotaMB
	DefaultMultiDBDiskQuotaMB  = constants.DefaultMultiDBDiskQuotaMB
	DefaultDropUnderPressure   = constants.DefaultDropUnderPressure
	DefaultFDBudgetPerInstance = constants.DefaultFDBudgetPerInstance

	InvalidTime = constants.InvalidTime
	EmptySample = collect.EmptySample
)

var (
	MaxPages     = constants.MaxPages
	MaxDiskBytes = constants.MaxDiskBytes
)
