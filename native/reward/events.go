package reward

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"linechain/core/types"
	"linechain/crypto"
)

const (
	EventTypeStaked       = "reward.staked"
	EventTypeUnstaked     = "reward.unstaked"
	EventTypeClaimed      = "reward.claimed"
	EventTypeShareUpdated = "reward.share_updated"
)

type rewardEvent struct {
	evt *types.Event
}

func (r rewardEvent) EventType() string {
	if r.evt == nil {
		return ""
	}
	return r.evt.Type
}

// Event exposes the underlying payload for emit sinks.
func (r rewardEvent) Event() *types.Event { return r.evt }

// NewStakedEvent carries the staked amount and the resulting stake size.
func NewStakedEvent(pool, staker crypto.Address, amount, total *big.Int) *types.Event {
	return stakeEvent(EventTypeStaked, pool, staker, amount, total)
}

// NewUnstakedEvent carries the withdrawn amount and the remaining stake size.
func NewUnstakedEvent(pool, staker crypto.Address, amount, remaining *big.Int) *types.Event {
	return stakeEvent(EventTypeUnstaked, pool, staker, amount, remaining)
}

func stakeEvent(eventType string, pool, staker crypto.Address, amount, resulting *big.Int) *types.Event {
	attrs := map[string]string{
		"pool":   hex.EncodeToString(pool.Bytes()),
		"staker": hex.EncodeToString(staker.Bytes()),
	}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	if resulting != nil {
		attrs["stake"] = resulting.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewClaimedEvent carries the reward paid out to the staker.
func NewClaimedEvent(pool, staker crypto.Address, amount *big.Int) *types.Event {
	attrs := map[string]string{
		"pool":   hex.EncodeToString(pool.Bytes()),
		"staker": hex.EncodeToString(staker.Bytes()),
	}
	if amount != nil {
		attrs["reward"] = amount.String()
	}
	return &types.Event{Type: EventTypeClaimed, Attributes: attrs}
}

// NewShareUpdatedEvent records a pool's new share of protocol income.
func NewShareUpdatedEvent(pool crypto.Address, shareBps uint64) *types.Event {
	return &types.Event{
		Type: EventTypeShareUpdated,
		Attributes: map[string]string{
			"pool":     hex.EncodeToString(pool.Bytes()),
			"shareBps": strconv.FormatUint(shareBps, 10),
		},
	}
}
