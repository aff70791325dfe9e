package keystore

import (
	"context"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/types"
)

// TokenBalanceLookup resolves a signer account's balance of a token
// contract. It must honor ctx's deadline; the Keystore treats a timed-out
// lookup as a denial, never as an allow.
type TokenBalanceLookup func(ctx context.Context, contract, account string) (balance string, err error)

// EvaluatePolicy recursively evaluates policy against signer, using
// lookup for TokenBalance predicates. A TokenBalance lookup failure
// (including context deadline exceeded) surfaces as ErrExternalLookupTimeout,
// never as a silent allow.
func EvaluatePolicy(ctx context.Context, policy types.Policy, signer string, lookup TokenBalanceLookup) (bool, error) {
	switch policy.Kind {
	case types.PolicyKindAllowAll:
		return true, nil

	case types.PolicyKindWhitelist:
		for _, acct := range policy.Whitelist {
			if acct == signer {
				return true, nil
			}
		}
		return false, nil

	case types.PolicyKindAccountPattern:
		return matchAccountPattern(policy.Pattern, signer), nil

	case types.PolicyKindTokenBalance:
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		balance, err := lookup(lookupCtx, policy.TokenContract, signer)
		if err != nil {
			return false, apierr.ErrExternalLookupTimeout
		}
		return compareDecimalStrings(balance, policy.MinBalance) >= 0, nil

	case types.PolicyKindAnd:
		for _, child := range policy.Children {
			ok, err := EvaluatePolicy(ctx, child, signer, lookup)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case types.PolicyKindOr:
		for _, child := range policy.Children {
			ok, err := EvaluatePolicy(ctx, child, signer, lookup)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case types.PolicyKindNot:
		if len(policy.Children) != 1 {
			return false, nil
		}
		ok, err := EvaluatePolicy(ctx, policy.Children[0], signer, lookup)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return false, nil
	}
}

// matchAccountPattern supports a single trailing "*" wildcard, e.g.
// "acme.*" matches "acme.bot1" but not "other.bot1".
func matchAccountPattern(pattern, account string) bool {
	if pattern == "" {
		return false
	}
	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(account) >= len(prefix) && account[:len(prefix)] == prefix
	}
	return pattern == account
}

// compareDecimalStrings compares two base-10 integer strings (minimal
// token units) without overflowing int64, returning -1, 0, or 1.
func compareDecimalStrings(a, b string) int {
	a, b = trimLeadingZeros(a), trimLeadingZeros(b)
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func trimLeadingZeros(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}

// MatchAccessor implements step 2 of the decrypt algorithm: the
// ciphertext's accessor binding must match the execution context.
func MatchAccessor(accessor types.Accessor, callerRepo, callerBranch, callerWasmHash string) bool {
	switch accessor.Kind {
	case types.AccessorKindRepo:
		if accessor.Repo != callerRepo {
			return false
		}
		if accessor.Branch != "" && accessor.Branch != callerBranch {
			return false
		}
		return true
	case types.AccessorKindWasmHash:
		return accessor.Hash == callerWasmHash
	default:
		return false
	}
}
