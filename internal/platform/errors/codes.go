// Package errors provides structured party errors with a small, fixed
// taxonomy so callers can react to the failure class rather than the text.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInvalidCodeFormat Code = "PARTY_INVALID_CODE_FORMAT"
	CodeNicknameEmpty     Code = "PARTY_NICKNAME_EMPTY"
	CodeEntryIDEmpty      Code = "PARTY_ENTRY_ID_EMPTY"

	// Lookup errors
	CodePartyNotFound Code = "PARTY_NOT_FOUND"
	CodeEntryNotFound Code = "PARTY_ENTRY_NOT_FOUND"

	// Capacity errors
	CodePartyFull Code = "PARTY_FULL"

	// Session state errors
	CodeNotInParty              Code = "PARTY_NOT_IN_PARTY"
	CodeCodeGenerationExhausted Code = "PARTY_CODE_GENERATION_EXHAUSTED"

	// Expiry errors
	CodePartyExpired Code = "PARTY_EXPIRED"

	// Transport errors
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// Kind is the failure class of a code.
type Kind int

const (
	// KindUnknown is used for codes outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation covers malformed input such as a bad party code.
	KindValidation
	// KindNotFound covers an absent party or route entry.
	KindNotFound
	// KindCapacity covers a full party.
	KindCapacity
	// KindState covers operations attempted in an incompatible session state.
	KindState
	// KindExpiry covers parties past their lifetime.
	KindExpiry
	// KindTransport covers store failures passed through from the transport.
	KindTransport
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFoundError"
	case KindCapacity:
		return "CapacityError"
	case KindState:
		return "StateError"
	case KindExpiry:
		return "ExpiryError"
	case KindTransport:
		return "TransportError"
	default:
		return "UnknownError"
	}
}

// Kind maps a code to its failure class.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidCodeFormat,
		CodeNicknameEmpty,
		CodeEntryIDEmpty:
		return KindValidation

	case CodePartyNotFound,
		CodeEntryNotFound:
		return KindNotFound

	case CodePartyFull:
		return KindCapacity

	case CodeNotInParty,
		CodeCodeGenerationExhausted:
		return KindState

	case CodePartyExpired:
		return KindExpiry

	case CodeStoreUnavailable:
		return KindTransport

	default:
		return KindUnknown
	}
}
