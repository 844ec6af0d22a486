package platform

import "errors"

var (
	// ErrNotAdmin signals a caller other than the fixed administrator.
	ErrNotAdmin = errors.New("platform: caller is not the administrator")
	// ErrFeeOutOfRange signals a fee percent outside [0, 20].
	ErrFeeOutOfRange = errors.New("platform: fee percent must be between 0 and 20")
	// ErrNotBootstrapped signals that the config row has not been created yet.
	ErrNotBootstrapped = errors.New("platform: not bootstrapped")
)

// MaxFeePercent caps the platform fee.
const MaxFeePercent = 20

// Config is the single-row administrative state: the administrator identity
// fixed at bootstrap, the escrow pool account that holds all deposited value,
// and the current fee percent. The fee applied to a resolution is the one in
// effect at resolution time, not at dispute creation.
type Config struct {
	AdminAccount  string
	EscrowAccount string
	FeePercent    int
}
