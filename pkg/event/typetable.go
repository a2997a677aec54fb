package event

import (
	"encoding/json"
	"strconv"
)

// Numeric event-type codes stored on chain. The table must stay synchronized
// with the contract's constants; it is authoritative for the on-chain vs
// off-chain type cross-check and is immutable at runtime.
const (
	TypeCreateReleaseBundle = 21
	TypeMintEntity          = 22
	TypeResolveID           = 23
	TypeAddClaim            = 30
	TypeEditClaim           = 31
	TypeVote                = 40
	TypeLike                = 41
	TypeFinalize            = 50
	TypeMergeEntity         = 60
)

var typeNames = map[int]string{
	TypeCreateReleaseBundle: "CREATE_RELEASE_BUNDLE",
	TypeMintEntity:          "MINT_ENTITY",
	TypeResolveID:           "RESOLVE_ID",
	TypeAddClaim:            "ADD_CLAIM",
	TypeEditClaim:           "EDIT_CLAIM",
	TypeVote:                "VOTE",
	TypeLike:                "LIKE",
	TypeFinalize:            "FINALIZE",
	TypeMergeEntity:         "MERGE_ENTITY",
}

var typeCodes = func() map[string]int {
	m := make(map[string]int, len(typeNames))
	for code, name := range typeNames {
		m[name] = code
	}
	return m
}()

// TypeName resolves a numeric code to its registered name.
func TypeName(code int) (string, bool) {
	name, ok := typeNames[code]
	return name, ok
}

// TypeCode resolves a registered name to its numeric code.
func TypeCode(name string) (int, bool) {
	code, ok := typeCodes[name]
	return code, ok
}

// KnownType reports whether the numeric code is in the table. Unknown codes
// are passed through the pipeline with a warning for forward compatibility.
func KnownType(code int) bool {
	_, ok := typeNames[code]
	return ok
}

// TypeMatches reports whether an off-chain declared type agrees with the
// on-chain numeric code. The declared value may be the registered name, the
// numeric code, or the code rendered as a decimal string.
func TypeMatches(code int, declared any) bool {
	switch d := declared.(type) {
	case string:
		if name, ok := typeNames[code]; ok && d == name {
			return true
		}
		n, err := strconv.Atoi(d)
		return err == nil && n == code
	case int:
		return d == code
	case int64:
		return int(d) == code
	case float64:
		return int(d) == code && d == float64(int(d))
	case json.Number:
		n, err := d.Int64()
		return err == nil && int(n) == code
	default:
		return false
	}
}
