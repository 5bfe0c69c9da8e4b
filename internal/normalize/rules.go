/**
 * @description
 * Ordered field-extraction rules for deposit payloads. Every channel hands the
 * normalizer a generic JSON object; each field is read from the first path in its
 * rule that yields a usable value. Paths are dot separated.
 *
 * Rule table (first match wins):
 *   signature            signature, tx.signature
 *   transfers            transfers, parsed.transfers, logs.transfers
 *   transfer destination destination, to, account
 *   transfer amount      amount, lamports (default 0)
 *   transfer source      source, from
 *   transfer memo        memo
 *   token balances       tokenBalanceChanges, token_balances, meta.postTokenBalances
 *   token owner match    account, owner, userAccount
 *   token amount         amount, uiTokenAmount.amount, rawTokenAmount.tokenAmount,
 *                        uiTokenAmount.uiAmountString (scaled by decimals)
 *   memo                 memo, metadata.memo
 *   destination hint     metadata.destinationKey, metadata.userL2
 *   fee payer            feePayer
 *   timestamp            timestamp, blockTime, tx.blockTime (unix seconds)
 *   transaction error    transactionError, meta.err
 */
package normalize

import (
	"encoding/json"
	"strings"
)

// Rule is an ordered list of candidate paths for one field.
type Rule []string

var (
	SignatureRule           = Rule{"signature", "tx.signature"}
	TransfersRule           = Rule{"transfers", "parsed.transfers", "logs.transfers"}
	TransferDestinationRule = Rule{"destination", "to", "account"}
	TransferAmountRule      = Rule{"amount", "lamports"}
	TransferSourceRule      = Rule{"source", "from"}
	TransferMemoRule        = Rule{"memo"}
	TokenBalancesRule       = Rule{"tokenBalanceChanges", "token_balances", "meta.postTokenBalances"}
	TokenOwnerRule          = Rule{"account", "owner", "userAccount"}
	TokenRawAmountRule      = Rule{"amount", "uiTokenAmount.amount", "rawTokenAmount.tokenAmount"}
	TokenUIAmountRule       = Rule{"uiTokenAmount.uiAmountString"}
	TokenDecimalsRule       = Rule{"decimals", "uiTokenAmount.decimals", "rawTokenAmount.decimals"}
	MemoRule                = Rule{"memo", "metadata.memo"}
	DestinationHintRule     = Rule{"metadata.destinationKey", "metadata.userL2"}
	FeePayerRule            = Rule{"feePayer"}
	TimestampRule           = Rule{"timestamp", "blockTime", "tx.blockTime"}
	TransactionErrorRule    = Rule{"transactionError", "meta.err"}
)

// Raw transaction shapes carry absolute post balances; the matching pre entries turn them into deltas.
const (
	metaPostTokenBalancesPath = "meta.postTokenBalances"
	metaPreTokenBalancesPath  = "meta.preTokenBalances"
)

// lookup walks a dot separated path through nested objects.
func lookup(obj map[string]any, path string) (any, bool) {
	var current any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

// usable reports whether a value stops the fallback chain. Empty strings and
// zero numbers fall through; lists stop even when empty.
func usable(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(typed) != ""
	case json.Number:
		return typed.String() != "" && typed.String() != "0"
	case float64:
		return typed != 0
	case bool:
		return typed
	}
	return true
}

// First returns the first usable value and the path it came from.
func (r Rule) First(obj map[string]any) (any, string, bool) {
	for _, path := range r {
		if v, ok := lookup(obj, path); ok && usable(v) {
			return v, path, true
		}
	}
	return nil, "", false
}

// String returns the first usable string value.
func (r Rule) String(obj map[string]any) string {
	for _, path := range r {
		v, ok := lookup(obj, path)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// List returns the first value that is a JSON array, along with the path it came from.
func (r Rule) List(obj map[string]any) ([]any, string, bool) {
	for _, path := range r {
		v, ok := lookup(obj, path)
		if !ok {
			continue
		}
		if list, ok := v.([]any); ok {
			return list, path, true
		}
	}
	return nil, "", false
}

// Matches reports whether any path of the rule holds the given string.
func (r Rule) Matches(obj map[string]any, want string) bool {
	for _, path := range r {
		v, ok := lookup(obj, path)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == want {
			return true
		}
	}
	return false
}
