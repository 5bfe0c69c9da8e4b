package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from ProcessingStatus
		to   ProcessingStatus
		want bool
	}{
		{StatusUnseen, StatusSeen, true},
		{StatusSeen, StatusReserved, true},
		{StatusSeen, StatusPendingCorrelation, true},
		{StatusPendingCorrelation, StatusReserved, true},
		{StatusPendingCorrelation, StatusDeadLetter, true},
		{StatusReserved, StatusCredited, true},
		{StatusReserved, StatusFailed, true},
		{StatusReserved, StatusFailedTerminal, true},
		{StatusFailed, StatusReserved, true},
		{StatusFailed, StatusFailedTerminal, true},
		{StatusSeen, StatusCredited, false},
		{StatusCredited, StatusReserved, false},
		{StatusCredited, StatusFailed, false},
		{StatusFailedTerminal, StatusReserved, false},
		{StatusDeadLetter, StatusReserved, false},
		{StatusReserved, StatusSeen, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, status := range AllStatuses {
		if !status.Terminal() {
			continue
		}
		for _, next := range AllStatuses {
			if CanTransition(status, next) {
				t.Fatalf("terminal status %s must not move to %s", status, next)
			}
		}
	}
}

func TestStatusCountsAggregates(t *testing.T) {
	counts := StatusCounts{
		StatusSeen:               1,
		StatusPendingCorrelation: 2,
		StatusReserved:           3,
		StatusFailed:             4,
		StatusCredited:           5,
		StatusFailedTerminal:     6,
		StatusDeadLetter:         7,
	}
	if counts.Pending() != 10 || counts.Failed() != 13 || counts.Credited() != 5 {
		t.Fatalf("unexpected aggregates pending=%d failed=%d credited=%d", counts.Pending(), counts.Failed(), counts.Credited())
	}
}

func TestSameDepositIgnoresChannel(t *testing.T) {
	a := DepositEvent{SourceSignature: "SIG", SourceAddress: "src", DestinationKey: "dst", Amount: 10, Channel: ChannelPoll}
	b := a
	b.Channel = ChannelWebhook
	b.RawPayloadRef = "inbox-1"
	if !a.SameDeposit(b) {
		t.Fatalf("expected events to describe the same deposit")
	}
	b.Amount = 11
	if a.SameDeposit(b) {
		t.Fatalf("expected amount mismatch to differ")
	}
}
