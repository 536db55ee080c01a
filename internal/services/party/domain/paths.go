package domain

const partiesRoot = "parties"

// PartyPath is the party document path.
func PartyPath(code string) string {
	return partiesRoot + "/" + code
}

// MetaPath is the party header path.
func MetaPath(code string) string {
	return PartyPath(code) + "/meta"
}

// ExpiresAtPath is the expiry field path.
func ExpiresAtPath(code string) string {
	return MetaPath(code) + "/expiresAt"
}

// MembersPath is the member collection path.
func MembersPath(code string) string {
	return PartyPath(code) + "/members"
}

// MemberPath is one member's path.
func MemberPath(code, memberID string) string {
	return MembersPath(code) + "/" + memberID
}

// TreasuresPath is the route collection path.
func TreasuresPath(code string) string {
	return PartyPath(code) + "/treasures"
}

// TreasurePath is one route entry's path.
func TreasurePath(code, key string) string {
	return TreasuresPath(code) + "/" + key
}
