package domain

import apperrors "github.com/treasureparty/partysync/internal/platform/errors"

// Sentinel errors. They compare by code, so errors.Is also matches the
// metadata-carrying variants returned by the repository.
var (
	ErrInvalidCodeFormat       = apperrors.New(apperrors.CodeInvalidCodeFormat, "party code must be 8 characters from the code alphabet")
	ErrNicknameEmpty           = apperrors.New(apperrors.CodeNicknameEmpty, "nickname is required")
	ErrEntryIDEmpty            = apperrors.New(apperrors.CodeEntryIDEmpty, "route entry id is required")
	ErrPartyNotFound           = apperrors.New(apperrors.CodePartyNotFound, "party not found")
	ErrEntryNotFound           = apperrors.New(apperrors.CodeEntryNotFound, "route entry not found")
	ErrPartyFull               = apperrors.New(apperrors.CodePartyFull, "party is full")
	ErrNotInParty              = apperrors.New(apperrors.CodeNotInParty, "not in a party")
	ErrCodeGenerationExhausted = apperrors.New(apperrors.CodeCodeGenerationExhausted, "could not generate an unused party code")
	ErrPartyExpired            = apperrors.New(apperrors.CodePartyExpired, "party has expired")
)
