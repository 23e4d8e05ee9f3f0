package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumenfeed/market_layer/internal/docstore"
)

// Store is the typed document layer for the marketplace. It owns every path
// the sagas touch; the saga engine never builds paths itself.
type Store struct {
	db docstore.Store
}

// NewStore creates the marketplace store over a document database.
func NewStore(db docstore.Store) *Store {
	return &Store{db: db}
}

// Path builders ---------------------------------------------------------------

func userPath(username string) string    { return "users/" + username }
func balancePath(username string) string { return "users/" + username + "/wallet/balance" }
func collectorPath(collectiblePath, username string) string {
	return collectiblePath + "/collectors/" + username
}
func paymentIntentPath(username, key string) string {
	return "users/" + username + "/paymentIntents/" + key
}
func codePath(code string) string { return "codes/" + code }

// Reads -----------------------------------------------------------------------

// Post loads the marketplace view of a post document.
func (s *Store) Post(ctx context.Context, path string) (Post, error) {
	doc, err := s.db.Get(ctx, path)
	if err != nil {
		return Post{}, err
	}

	p := Post{Path: path}
	p.CreatorUsername, _ = docstore.FieldString(doc.Data, "creatorUsername")
	p.IsCollectible, _ = docstore.FieldBool(doc.Data, "collectibleStatus.isCollectible")
	p.CollectibleDocPath, _ = docstore.FieldString(doc.Data, "collectibleStatus.collectibleDocPath")
	return p, nil
}

// Collectible loads a collectible document.
func (s *Store) Collectible(ctx context.Context, path string) (Collectible, error) {
	doc, err := s.db.Get(ctx, path)
	if err != nil {
		return Collectible{}, err
	}

	c := Collectible{ID: docstore.DocID(path)}
	c.CreatorUsername, _ = docstore.FieldString(doc.Data, "creatorUsername")
	c.PostPath, _ = docstore.FieldString(doc.Data, "postPath")
	if t, ok := docstore.FieldString(doc.Data, "type"); ok {
		c.Type = CollectibleType(t)
	}
	c.Price.Amount, _ = docstore.FieldInt64(doc.Data, "price.amount")
	c.Price.Currency, _ = docstore.FieldString(doc.Data, "price.currency")
	c.Stock.Initial, _ = docstore.FieldInt64(doc.Data, "stock.initial")
	c.Stock.Remaining, _ = docstore.FieldInt64(doc.Data, "stock.remaining")
	if ts, ok := docstore.FieldString(doc.Data, "createdAt"); ok {
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return c, nil
}

// Balance returns the user's wallet balance in cents. A user without a
// wallet document has balance zero.
func (s *Store) Balance(ctx context.Context, username string) (int64, error) {
	doc, err := s.db.Get(ctx, balancePath(username))
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load balance %s: %w", username, err)
	}
	amount, _ := docstore.FieldInt64(doc.Data, "amount")
	return amount, nil
}

// HasCollector reports whether username already holds a collector record
// for the collectible. This is the single-purchase-per-user guard; it is a
// point-in-time query, made safe by the per-resource lock serializing all
// attempts on one collectible.
func (s *Store) HasCollector(ctx context.Context, collectiblePath, username string) (bool, error) {
	docs, err := s.db.Query(ctx, collectiblePath+"/collectors", []docstore.Filter{
		{Field: "username", Value: username},
	})
	if err != nil {
		return false, fmt.Errorf("query collectors: %w", err)
	}
	return len(docs) > 0, nil
}

// Code loads an event redemption code.
func (s *Store) Code(ctx context.Context, code string) (Code, error) {
	doc, err := s.db.Get(ctx, codePath(code))
	if err != nil {
		return Code{}, err
	}

	c := Code{Code: code}
	c.CollectibleDocPath, _ = docstore.FieldString(doc.Data, "collectibleDocPath")
	c.PostDocPath, _ = docstore.FieldString(doc.Data, "postDocPath")
	c.CreatorUsername, _ = docstore.FieldString(doc.Data, "creatorUsername")
	c.IsConsumed, _ = docstore.FieldBool(doc.Data, "isConsumed")
	c.ConsumerUsername, _ = docstore.FieldString(doc.Data, "consumerUsername")
	if ts, ok := docstore.FieldString(doc.Data, "consumedTime"); ok && ts != "" {
		c.ConsumedTime, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return c, nil
}

// StockLimit returns the configured global stock limit document, falling
// back to the provided default when absent.
func (s *Store) StockLimit(ctx context.Context, fallback int64) int64 {
	doc, err := s.db.Get(ctx, "config/market")
	if err != nil {
		return fallback
	}
	if limit, ok := docstore.FieldInt64(doc.Data, "maxStock"); ok && limit > 0 {
		return limit
	}
	return fallback
}

// Balance mutations -----------------------------------------------------------
//
// Balances are only ever mutated through atomic increments so concurrent
// sagas cannot lose updates.

// AdjustBalance applies a delta to an existing wallet balance.
func (s *Store) AdjustBalance(ctx context.Context, username string, delta int64) error {
	return s.db.Update(ctx, balancePath(username), map[string]interface{}{
		"amount": docstore.Increment(delta),
	})
}

// CreditBalance adds delta to the user's wallet, creating the wallet
// document atomically on a first credit. Reports whether it created the
// document so the compensating debit can remove it rather than leave a
// zero-balance wallet behind.
func (s *Store) CreditBalance(ctx context.Context, username string, delta int64) (bool, error) {
	return s.db.UpsertIncrement(ctx, balancePath(username), "amount", delta)
}

// DeleteBalance removes the wallet document. Compensation for a credit
// that created it.
func (s *Store) DeleteBalance(ctx context.Context, username string) error {
	return s.db.Delete(ctx, balancePath(username))
}

// Stock mutations -------------------------------------------------------------

// AdjustStock applies a delta to a collectible's remaining stock.
func (s *Store) AdjustStock(ctx context.Context, collectiblePath string, delta int64) error {
	return s.db.Update(ctx, collectiblePath, map[string]interface{}{
		"stock.remaining": docstore.Increment(delta),
	})
}

// AdjustCollectibleCount applies a delta to the user's collectible counter.
func (s *Store) AdjustCollectibleCount(ctx context.Context, username string, delta int64) error {
	return s.db.Update(ctx, userPath(username), map[string]interface{}{
		"collectibleCount": docstore.Increment(delta),
	})
}

// Ledger writes ---------------------------------------------------------------

// PaymentIntentKey builds the receipt key shared by both sides of a trade.
func PaymentIntentKey(ts time.Time, counterparty string) string {
	return fmt.Sprintf("%d-%s", ts.UnixMilli(), counterparty)
}

// CreatePaymentIntent writes one side's append-only payment receipt.
// direction is "purchase" or "sale".
func (s *Store) CreatePaymentIntent(ctx context.Context, username, counterparty, direction string, amount int64, ts time.Time) (string, error) {
	path := paymentIntentPath(username, PaymentIntentKey(ts, counterparty))
	err := s.db.Set(ctx, path, map[string]interface{}{
		"direction":    direction,
		"counterparty": counterparty,
		"amount":       amount,
		"currency":     Currency,
		"timestamp":    ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// CreateTradeEntry appends a bought/sold/collected/created ledger entry
// under the user and returns its path for compensation.
func (s *Store) CreateTradeEntry(ctx context.Context, username, ledger, postPath, collectiblePath string, ts time.Time) (string, error) {
	return s.db.Add(ctx, "users/"+username+"/"+ledger, map[string]interface{}{
		"postDocPath":        postPath,
		"collectibleDocPath": collectiblePath,
		"timestamp":          ts.UTC().Format(time.RFC3339Nano),
	})
}

// CreateCollector writes the collector record that enforces
// one-acquisition-per-user.
func (s *Store) CreateCollector(ctx context.Context, collectiblePath, username string, ts time.Time) (string, error) {
	path := collectorPath(collectiblePath, username)
	err := s.db.Set(ctx, path, map[string]interface{}{
		"username":    username,
		"collectedAt": ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// CreateReceipt writes the identity-verified trade receipt to the global
// receipts collection.
func (s *Store) CreateReceipt(ctx context.Context, buyerLegal, sellerLegal string, amount int64, ts time.Time) (string, error) {
	return s.db.Add(ctx, "receipts", map[string]interface{}{
		"buyerLegalName":  buyerLegal,
		"sellerLegalName": sellerLegal,
		"amount":          amount,
		"currency":        Currency,
		"timestamp":       ts.UTC().Format(time.RFC3339Nano),
	})
}

// CreateCollectedRecord writes the global collected-collectible record with
// the collector's rank.
func (s *Store) CreateCollectedRecord(ctx context.Context, username, collectiblePath string, rank int64, ts time.Time) (string, error) {
	return s.db.Add(ctx, "collectedCollectibles", map[string]interface{}{
		"username":           username,
		"collectibleDocPath": collectiblePath,
		"rank":               rank,
		"timestamp":          ts.UTC().Format(time.RFC3339Nano),
	})
}

// Delete removes a document by path. Used only by compensations; absent
// documents are not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.db.Delete(ctx, path)
}

// Code lifecycle --------------------------------------------------------------

// ConsumeCode marks a code consumed by username.
func (s *Store) ConsumeCode(ctx context.Context, code, username string, ts time.Time) error {
	return s.db.Update(ctx, codePath(code), map[string]interface{}{
		"isConsumed":       true,
		"consumerUsername": username,
		"consumedTime":     ts.UTC().Format(time.RFC3339Nano),
	})
}

// ResetCode returns a code to availability. This is the first compensating
// action of a failed redemption.
func (s *Store) ResetCode(ctx context.Context, code string) error {
	return s.db.Update(ctx, codePath(code), map[string]interface{}{
		"isConsumed":       false,
		"consumerUsername": "",
		"consumedTime":     "",
	})
}

// CreateCode writes one single-use redemption code document.
func (s *Store) CreateCode(ctx context.Context, c Code) error {
	return s.db.Set(ctx, codePath(c.Code), map[string]interface{}{
		"code":               c.Code,
		"collectibleDocPath": c.CollectibleDocPath,
		"postDocPath":        c.PostDocPath,
		"creatorUsername":    c.CreatorUsername,
		"isConsumed":         false,
	})
}

// Creation writes -------------------------------------------------------------

// CreateCollectible writes a new collectible document.
func (s *Store) CreateCollectible(ctx context.Context, c Collectible) (string, error) {
	path := "collectibles/" + c.ID
	data := map[string]interface{}{
		"creatorUsername": c.CreatorUsername,
		"postPath":        c.PostPath,
		"type":            string(c.Type),
		"stock": map[string]interface{}{
			"initial":   c.Stock.Initial,
			"remaining": c.Stock.Remaining,
		},
		"createdAt": c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.Type == TypeTrade {
		data["price"] = map[string]interface{}{
			"amount":   c.Price.Amount,
			"currency": c.Price.Currency,
		}
	}
	if err := s.db.Set(ctx, path, data); err != nil {
		return "", err
	}
	return path, nil
}

// LinkPostCollectible flags the post as referencing the collectible.
func (s *Store) LinkPostCollectible(ctx context.Context, postPath, collectiblePath string) error {
	return s.db.Update(ctx, postPath, map[string]interface{}{
		"collectibleStatus": map[string]interface{}{
			"isCollectible":      true,
			"collectibleDocPath": collectiblePath,
		},
	})
}

// UnlinkPostCollectible reverts the post to a plain post.
func (s *Store) UnlinkPostCollectible(ctx context.Context, postPath string) error {
	return s.db.Update(ctx, postPath, map[string]interface{}{
		"collectibleStatus": map[string]interface{}{
			"isCollectible":      false,
			"collectibleDocPath": "",
		},
	})
}
