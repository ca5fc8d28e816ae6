package dsaq

import "github.com/ehrlich-b/dsaq/internal/constants"

// Re-exported tuning defaults for the public API.
const (
	DefaultNumDescriptors     = constants.DefaultNumDescriptors
	MinBatchFlush             = constants.MinBatchFlush
	MaxChannelsLargeWQ        = constants.MaxChannelsLargeWQ
	MaxChannelsSmallWQ        = constants.MaxChannelsSmallWQ
	WQSizeLargeThreshold      = constants.WQSizeLargeThreshold
	DefaultCompletionsPerPoll = constants.DefaultCompletionsPerPoll
	DIFBlockSize512           = constants.DIFBlockSize512
	DIFBlockSize4K            = constants.DIFBlockSize4K
)
