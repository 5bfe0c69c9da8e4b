package normalize

import (
	"encoding/json"
	"strconv"

	"github.com/transfa/deposit-relay/internal/domain"
)

// PayloadFromDetail renders RPC transaction detail in the payload shape the rule
// table understands: the watched address's native balance increase becomes a
// transfer, and the raw token balances go under meta.
func PayloadFromDetail(detail domain.TransactionDetail, watched string) map[string]any {
	payload := map[string]any{
		"signature": detail.Signature,
		"feePayer":  detail.FeePayer,
	}
	if !detail.BlockTime.IsZero() {
		payload["timestamp"] = json.Number(strconv.FormatInt(detail.BlockTime.Unix(), 10))
	}
	if detail.Memo != "" {
		payload["memo"] = detail.Memo
	}
	if detail.Failed {
		payload["transactionError"] = "transaction failed"
	}

	transfers := []any{}
	if diff, ok := NativeDiff(detail, watched); ok && diff > 0 {
		transfer := map[string]any{
			"destination": watched,
			"lamports":    json.Number(strconv.FormatUint(diff, 10)),
		}
		if detail.FeePayer != "" && detail.FeePayer != watched {
			transfer["source"] = detail.FeePayer
		}
		transfers = append(transfers, transfer)
	}
	payload["transfers"] = transfers

	payload["meta"] = map[string]any{
		"preTokenBalances":  tokenBalancesPayload(detail.PreTokenBalances),
		"postTokenBalances": tokenBalancesPayload(detail.PostTokenBalances),
	}
	return payload
}

// NativeDiff returns post minus pre lamports for the watched address when it
// appears in the transaction's account keys.
func NativeDiff(detail domain.TransactionDetail, watched string) (uint64, bool) {
	for i, key := range detail.AccountKeys {
		if key != watched {
			continue
		}
		if i >= len(detail.PreBalances) || i >= len(detail.PostBalances) {
			return 0, false
		}
		pre, post := detail.PreBalances[i], detail.PostBalances[i]
		if post <= pre {
			return 0, true
		}
		return post - pre, true
	}
	return 0, false
}

func tokenBalancesPayload(balances []domain.TokenBalance) []any {
	out := make([]any, 0, len(balances))
	for _, balance := range balances {
		entry := map[string]any{
			"accountIndex": json.Number(strconv.Itoa(balance.AccountIndex)),
			"mint":         balance.Mint,
			"uiTokenAmount": map[string]any{
				"amount":   balance.Amount,
				"decimals": json.Number(strconv.Itoa(balance.Decimals)),
			},
		}
		if balance.Owner != "" {
			entry["owner"] = balance.Owner
		}
		if balance.Account != "" {
			entry["account"] = balance.Account
		}
		out = append(out, entry)
	}
	return out
}
