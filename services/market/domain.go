// Package market implements the collectible marketplace transaction
// protocol: direct-trade purchase, event-code collection and collectible
// creation, each executed as a saga with compensating rollback.
package market

import (
	"time"
)

// CollectibleType distinguishes purchasable from event-redeemable items.
// The type is immutable after creation.
type CollectibleType string

const (
	TypeTrade CollectibleType = "trade"
	TypeEvent CollectibleType = "event"
)

// Valid reports whether t is a known collectible type.
func (t CollectibleType) Valid() bool {
	return t == TypeTrade || t == TypeEvent
}

// Price is a trade price in integer cents of the platform currency.
type Price struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Stock tracks a collectible's finite supply. Invariant:
// 0 <= Remaining <= Initial.
type Stock struct {
	Initial   int64 `json:"initial"`
	Remaining int64 `json:"remaining"`
}

// Collectible is a finite-stock digital item tied to a post.
type Collectible struct {
	ID              string          `json:"id"`
	CreatorUsername string          `json:"creatorUsername"`
	PostPath        string          `json:"postPath"`
	Type            CollectibleType `json:"type"`
	Price           Price           `json:"price"`
	Stock           Stock           `json:"stock"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Post is the slice of a user post the marketplace cares about: author and
// collectible linkage. A post references at most one collectible.
type Post struct {
	Path               string `json:"path"`
	CreatorUsername    string `json:"creatorUsername"`
	IsCollectible      bool   `json:"isCollectible"`
	CollectibleDocPath string `json:"collectibleDocPath"`
}

// Code is a single-use event redemption token. IsConsumed transitions
// false to true exactly once, gated by the per-code lock.
type Code struct {
	Code               string    `json:"code"`
	CollectibleDocPath string    `json:"collectibleDocPath"`
	PostDocPath        string    `json:"postDocPath"`
	CreatorUsername    string    `json:"creatorUsername"`
	IsConsumed         bool      `json:"isConsumed"`
	ConsumedTime       time.Time `json:"consumedTime,omitempty"`
	ConsumerUsername   string    `json:"consumerUsername,omitempty"`
}

// CreateRequest is the input to collectible creation.
type CreateRequest struct {
	PostPath string          `json:"postDocPath"`
	Type     CollectibleType `json:"type"`
	Price    int64           `json:"price,omitempty"`
	Stock    int64           `json:"stock"`
}

// CreateResult reports a created collectible. Codes is populated for the
// event variant only.
type CreateResult struct {
	CollectiblePath string   `json:"collectibleDocPath"`
	Codes           []string `json:"codes,omitempty"`
}

// PurchaseResult reports a committed trade purchase.
type PurchaseResult struct {
	PostPath        string    `json:"postDocPath"`
	CollectiblePath string    `json:"collectibleDocPath"`
	Price           int64     `json:"price"`
	Currency        string    `json:"currency"`
	Timestamp       time.Time `json:"timestamp"`
}

// CollectResult reports a committed event-code redemption. Rank is the
// 1-based order in which this collector acquired the collectible.
type CollectResult struct {
	PostPath        string    `json:"postDocPath"`
	CollectiblePath string    `json:"collectibleDocPath"`
	Rank            int64     `json:"rank"`
	Timestamp       time.Time `json:"timestamp"`
}

// Currency is the single platform wallet currency.
const Currency = "USD"
