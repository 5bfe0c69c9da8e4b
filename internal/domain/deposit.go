/**
 * @description
 * Core domain models for the deposit relay. A DepositEvent is the canonical,
 * immutable description of one inbound source-ledger transfer; a ProcessingRecord
 * tracks what the relay has done about it.
 *
 * @notes
 * - Amounts are int64 minor units (lamports or token base units). Decimal UI
 *   amounts are converted at the normalization boundary and never travel further.
 * - The source transaction signature is the idempotency key everywhere.
 */

package domain

import "time"

// Channel identifies which observation channel produced an event.
type Channel string

const (
	ChannelPoll      Channel = "poll"
	ChannelPush      Channel = "push"
	ChannelWebhook   Channel = "webhook"
	ChannelReconcile Channel = "reconcile"
)

// Valid reports whether c is a known channel label.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPoll, ChannelPush, ChannelWebhook, ChannelReconcile:
		return true
	}
	return false
}

// DepositEvent is one physical source transaction credited to the watched address.
type DepositEvent struct {
	SourceSignature string    `json:"source_signature"`
	SourceAddress   string    `json:"source_address"`
	DestinationKey  string    `json:"destination_key,omitempty"`
	Memo            string    `json:"memo,omitempty"`
	Amount          int64     `json:"amount"`
	SourceTimestamp time.Time `json:"source_timestamp"`
	ObservedAt      time.Time `json:"observed_at"`
	Channel         Channel   `json:"channel"`
	RawPayloadRef   string    `json:"raw_payload_ref,omitempty"`
}

// SameDeposit reports whether two events describe the same deposit regardless of
// which channel observed it and when.
func (e DepositEvent) SameDeposit(other DepositEvent) bool {
	return e.SourceSignature == other.SourceSignature &&
		e.SourceAddress == other.SourceAddress &&
		e.DestinationKey == other.DestinationKey &&
		e.Amount == other.Amount &&
		e.SourceTimestamp.Equal(other.SourceTimestamp)
}

// SignatureInfo is one entry of the source ledger's signature listing for an address.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Memo      string
	Failed    bool
}

// TokenBalance is a token account balance snapshot inside a transaction.
type TokenBalance struct {
	AccountIndex int
	Account      string
	Owner        string
	Mint         string
	Amount       string
	Decimals     int
}

// TransactionDetail carries the balances needed to derive deposits from a source transaction.
type TransactionDetail struct {
	Signature         string
	Slot              uint64
	BlockTime         time.Time
	FeePayer          string
	AccountKeys       []string
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	Memo              string
	Failed            bool
}

// AccountNotification is delivered by the push subscription whenever the watched
// account changes. It carries the new balance only.
type AccountNotification struct {
	Slot     uint64
	Lamports uint64
}
