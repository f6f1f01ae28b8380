package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnknownType     = "E_UNKNOWN_TYPE"

	// Ledger layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrMalformed       = "E_MALFORMED"
	ErrMiningBusy      = "E_MINING_BUSY"
	ErrMiningExhausted = "E_MINING_EXHAUSTED"
	ErrMiningCancelled = "E_MINING_CANCELLED"
	ErrNoUsername      = "E_NO_USERNAME"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnknownType:     {},
	ErrBadRequest:      {},
	ErrMalformed:       {},
	ErrMiningBusy:      {},
	ErrMiningExhausted: {},
	ErrMiningCancelled: {},
	ErrNoUsername:      {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
