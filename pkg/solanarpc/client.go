/**
 * @description
 * This package is the relay's source ledger client. It lists signatures for the
 * watched address, fetches transaction detail with balances, and subscribes to
 * account changes over the websocket endpoint.
 *
 * @dependencies
 * - github.com/gagliardetto/solana-go: RPC and websocket clients, key and signature types.
 */
package solanarpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/transfa/deposit-relay/internal/domain"
)

const (
	maxPageSize = 1000
	maxPages    = 50
)

var memoProgramIDs = map[string]struct{}{
	"MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr": {},
	"Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo": {},
}

// Client talks to a Solana JSON-RPC endpoint and its websocket twin.
type Client struct {
	rpc        *rpc.Client
	wsURL      string
	commitment rpc.CommitmentType
	timeout    time.Duration
	pageSize   int
	maxPages   int
}

// NewClient creates a client. Every RPC request is bounded by timeout.
func NewClient(rpcURL, wsURL, commitment string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if wsURL == "" {
		wsURL = deriveWebsocketURL(rpcURL)
	}
	return &Client{
		rpc:        rpc.New(strings.TrimSpace(rpcURL)),
		wsURL:      wsURL,
		commitment: rpc.CommitmentType(commitment),
		timeout:    timeout,
		pageSize:   maxPageSize,
		maxPages:   maxPages,
	}
}

func deriveWebsocketURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	}
	return rpcURL
}

// detailCommitment is the commitment used for getTransaction, which refuses "processed".
func (c *Client) detailCommitment() rpc.CommitmentType {
	if c.commitment == rpc.CommitmentProcessed {
		return rpc.CommitmentConfirmed
	}
	return c.commitment
}

// ListRecentTransactions pages backwards through the signatures of address until
// it reaches one older than since, then returns what it found oldest first.
// Signatures at exactly since are included. max caps the number returned; when
// the cap is hit the oldest max signatures are kept so a caller can advance a
// cursor over exactly what it was given. History deeper than the page guard
// is reported as a transient error rather than truncated.
func (c *Client) ListRecentTransactions(ctx context.Context, address string, since time.Time, max int) ([]domain.SignatureInfo, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: watched address: %v", domain.ErrMalformedEvent, err)
	}
	if max <= 0 {
		max = maxPageSize
	}

	var (
		collected    []domain.SignatureInfo
		before       solana.Signature
		reachedSince bool
	)
	for page := 0; page < c.maxPages; page++ {
		limit := c.pageSize
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: c.commitment,
		}
		if before != (solana.Signature{}) {
			opts.Before = before
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		entries, err := c.rpc.GetSignaturesForAddressWithOpts(callCtx, account, opts)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: getSignaturesForAddress: %v", domain.ErrTransientIngestion, err)
		}

		for _, entry := range entries {
			info := signatureInfo(entry)
			if !since.IsZero() && !info.BlockTime.IsZero() && info.BlockTime.Before(since) {
				reachedSince = true
				break
			}
			collected = append(collected, info)
		}
		if reachedSince || len(entries) < limit {
			reachedSince = true
			break
		}
		// Without a lower bound the newest max entries are all anyone asked for.
		if since.IsZero() && len(collected) >= max {
			reachedSince = true
			break
		}
		before = entries[len(entries)-1].Signature
	}
	if !reachedSince {
		return nil, fmt.Errorf("%w: more than %d signatures since %s", domain.ErrTransientIngestion, c.maxPages*c.pageSize, since.Format(time.RFC3339))
	}

	sort.SliceStable(collected, func(i, j int) bool {
		if collected[i].Slot != collected[j].Slot {
			return collected[i].Slot < collected[j].Slot
		}
		return collected[i].BlockTime.Before(collected[j].BlockTime)
	})
	if len(collected) > max {
		if since.IsZero() {
			collected = collected[len(collected)-max:]
		} else {
			collected = collected[:max]
		}
	}
	return collected, nil
}

// ListLatestSignatures returns the newest n signatures for address, newest first.
func (c *Client) ListLatestSignatures(ctx context.Context, address string, n int) ([]domain.SignatureInfo, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: watched address: %v", domain.ErrMalformedEvent, err)
	}
	if n <= 0 {
		n = 1
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	entries, err := c.rpc.GetSignaturesForAddressWithOpts(callCtx, account, &rpc.GetSignaturesForAddressOpts{
		Limit:      &n,
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: getSignaturesForAddress: %v", domain.ErrTransientIngestion, err)
	}
	infos := make([]domain.SignatureInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, signatureInfo(entry))
	}
	return infos, nil
}

func signatureInfo(entry *rpc.TransactionSignature) domain.SignatureInfo {
	info := domain.SignatureInfo{
		Signature: entry.Signature.String(),
		Slot:      entry.Slot,
		Failed:    entry.Err != nil,
	}
	if entry.BlockTime != nil {
		info.BlockTime = entry.BlockTime.Time().UTC()
	}
	if entry.Memo != nil {
		info.Memo = stripMemoPrefix(*entry.Memo)
	}
	return info
}

// stripMemoPrefix removes the "[len] " prefix the RPC adds to memo strings.
func stripMemoPrefix(memo string) string {
	if strings.HasPrefix(memo, "[") {
		if end := strings.Index(memo, "] "); end > 0 {
			return memo[end+2:]
		}
	}
	return memo
}

// GetTransactionDetail fetches one transaction with its balance snapshots.
func (c *Client) GetTransactionDetail(ctx context.Context, signature string) (domain.TransactionDetail, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return domain.TransactionDetail{}, fmt.Errorf("%w: signature %q: %v", domain.ErrMalformedEvent, signature, err)
	}

	maxVersion := uint64(0)
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, err := c.rpc.GetTransaction(callCtx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.detailCommitment(),
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return domain.TransactionDetail{}, fmt.Errorf("%w: transaction %s not yet available", domain.ErrTransientIngestion, signature)
	}
	if err != nil {
		return domain.TransactionDetail{}, fmt.Errorf("%w: getTransaction: %v", domain.ErrTransientIngestion, err)
	}
	if result == nil || result.Meta == nil || result.Transaction == nil {
		return domain.TransactionDetail{}, fmt.Errorf("%w: transaction %s has no meta", domain.ErrTransientIngestion, signature)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return domain.TransactionDetail{}, fmt.Errorf("%w: decode transaction %s: %v", domain.ErrMalformedEvent, signature, err)
	}

	keys := make([]string, 0, len(tx.Message.AccountKeys)+len(result.Meta.LoadedAddresses.Writable)+len(result.Meta.LoadedAddresses.ReadOnly))
	for _, key := range tx.Message.AccountKeys {
		keys = append(keys, key.String())
	}
	for _, key := range result.Meta.LoadedAddresses.Writable {
		keys = append(keys, key.String())
	}
	for _, key := range result.Meta.LoadedAddresses.ReadOnly {
		keys = append(keys, key.String())
	}

	detail := domain.TransactionDetail{
		Signature:         signature,
		Slot:              result.Slot,
		AccountKeys:       keys,
		PreBalances:       result.Meta.PreBalances,
		PostBalances:      result.Meta.PostBalances,
		PreTokenBalances:  tokenBalances(result.Meta.PreTokenBalances, keys),
		PostTokenBalances: tokenBalances(result.Meta.PostTokenBalances, keys),
		Memo:              memoOf(tx, keys),
		Failed:            result.Meta.Err != nil,
	}
	if len(keys) > 0 {
		detail.FeePayer = keys[0]
	}
	if result.BlockTime != nil {
		detail.BlockTime = result.BlockTime.Time().UTC()
	}
	return detail, nil
}

func tokenBalances(balances []rpc.TokenBalance, keys []string) []domain.TokenBalance {
	out := make([]domain.TokenBalance, 0, len(balances))
	for _, balance := range balances {
		tb := domain.TokenBalance{
			AccountIndex: int(balance.AccountIndex),
			Mint:         balance.Mint.String(),
		}
		if int(balance.AccountIndex) < len(keys) {
			tb.Account = keys[balance.AccountIndex]
		}
		if balance.Owner != nil {
			tb.Owner = balance.Owner.String()
		}
		if balance.UiTokenAmount != nil {
			tb.Amount = balance.UiTokenAmount.Amount
			tb.Decimals = int(balance.UiTokenAmount.Decimals)
		}
		out = append(out, tb)
	}
	return out
}

func memoOf(tx *solana.Transaction, keys []string) string {
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			continue
		}
		if _, ok := memoProgramIDs[keys[ix.ProgramIDIndex]]; ok {
			return string(ix.Data)
		}
	}
	return ""
}

// SubscribeAccountChanges streams balance notifications for address. The returned
// channel is closed when the subscription drops or ctx is cancelled.
func (c *Client) SubscribeAccountChanges(ctx context.Context, address string) (<-chan domain.AccountNotification, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: watched address: %v", domain.ErrMalformedEvent, err)
	}

	// The websocket client keeps its ping loop on the context it was connected with.
	wsClient, err := ws.Connect(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket connect: %v", domain.ErrTransientIngestion, err)
	}
	sub, err := wsClient.AccountSubscribe(account, c.commitment)
	if err != nil {
		wsClient.Close()
		return nil, fmt.Errorf("%w: account subscribe: %v", domain.ErrTransientIngestion, err)
	}

	out := make(chan domain.AccountNotification, 16)
	go func() {
		defer close(out)
		defer wsClient.Close()
		defer sub.Unsubscribe()
		for {
			got, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			if got == nil {
				continue
			}
			select {
			case out <- domain.AccountNotification{Slot: got.Context.Slot, Lamports: got.Value.Lamports}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
