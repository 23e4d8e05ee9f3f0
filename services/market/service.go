package market

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumenfeed/market_layer/internal/config"
	"github.com/lumenfeed/market_layer/internal/docstore"
	"github.com/lumenfeed/market_layer/internal/errors"
	"github.com/lumenfeed/market_layer/internal/keymutex"
	"github.com/lumenfeed/market_layer/internal/logging"
	"github.com/lumenfeed/market_layer/internal/metrics"
	"github.com/lumenfeed/market_layer/internal/saga"
	"github.com/lumenfeed/market_layer/services/identity"
	"github.com/lumenfeed/market_layer/services/notify"
)

// IdentityService is the slice of the identity resolver the marketplace
// needs: verified-identity records and the trusted-creator flag.
type IdentityService interface {
	Verification(ctx context.Context, username string) (identity.VerifiedIdentity, error)
	IsVerifiedCreator(ctx context.Context, username string) (bool, error)
}

// Enqueuer persists a notification intent for asynchronous delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, event notify.Event) error
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Store    *Store
	Identity IdentityService
	Locks    keymutex.Locker
	Outbox   Enqueuer
	Notifier notify.Notifier
	Config   *config.Config
	Metrics  *metrics.Metrics
	Log      *logging.Logger
}

// Service executes the marketplace transaction sagas. Each operation
// acquires exactly one resource lock, validates fail-fast in a fixed order,
// then mutates through the saga runner with compensating rollback.
type Service struct {
	store    *Store
	identity IdentityService
	locks    keymutex.Locker
	outbox   Enqueuer
	notifier notify.Notifier
	cfg      *config.Config
	metrics  *metrics.Metrics
	log      *logging.Logger
	now      func() time.Time
}

// NewService creates the marketplace service.
func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{
		store:    d.Store,
		identity: d.Identity,
		locks:    d.Locks,
		outbox:   d.Outbox,
		notifier: d.Notifier,
		cfg:      d.Config,
		metrics:  d.Metrics,
		log:      log,
		now:      time.Now,
	}
}

// runner builds a saga runner whose compensation failures are counted
// against the given flow.
func (s *Service) runner(flow string) *saga.Runner {
	r := saga.New(s.log)
	r.OnCompensationFailure = func(step string, err error) {
		s.compensationFailed(flow, step)
	}
	return r
}

// BuyCollectible purchases the trade collectible attached to postPath on
// behalf of caller. All attempts on one post serialize on the resource
// lock; within the lock the flow validates strictly in order, then runs
// every mutation concurrently with one shared timestamp.
func (s *Service) BuyCollectible(ctx context.Context, caller, postPath string) (*PurchaseResult, error) {
	if caller == "" {
		return nil, errors.Unauthorized("")
	}
	if postPath == "" {
		return nil, errors.InvalidRequest("postDocPath is required")
	}

	var result *PurchaseResult
	err := s.withResourceLock(ctx, "buyCollectible-"+postPath, func(ctx context.Context) error {
		r, err := s.buy(ctx, caller, postPath, false)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BuyCollectibleVerified is the identity-gated purchase: the buyer must
// hold a verified identity, the trade additionally writes a receipt
// carrying both legal names, and a failed post-commit notification is
// surfaced to the caller as a server error.
func (s *Service) BuyCollectibleVerified(ctx context.Context, caller, postPath string) (*PurchaseResult, error) {
	if caller == "" {
		return nil, errors.Unauthorized("")
	}
	if postPath == "" {
		return nil, errors.InvalidRequest("postDocPath is required")
	}

	var result *PurchaseResult
	err := s.withResourceLock(ctx, "buyCollectible-"+postPath, func(ctx context.Context) error {
		r, err := s.buy(ctx, caller, postPath, true)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) buy(ctx context.Context, caller, postPath string, gated bool) (*PurchaseResult, error) {
	flow := "buy"
	if gated {
		flow = "buyVerified"
	}

	post, collectible, err := s.validatePurchase(ctx, caller, postPath, TypeTrade)
	if err != nil {
		s.rejected(flow)
		return nil, err
	}
	seller := post.CreatorUsername
	price := collectible.Price.Amount

	if price <= 0 {
		s.rejected(flow)
		return nil, errors.Internal("collectible has no price", nil)
	}
	balance, err := s.store.Balance(ctx, caller)
	if err != nil {
		s.rejected(flow)
		return nil, errors.Internal("balance unavailable", err)
	}
	if balance < price {
		s.rejected(flow)
		return nil, errors.Forbidden("insufficient balance").
			WithDetails("balance", balance).
			WithDetails("price", price)
	}

	var buyerIdentity identity.VerifiedIdentity
	if gated {
		buyerIdentity, err = s.identity.Verification(ctx, caller)
		if err != nil {
			s.rejected(flow)
			return nil, err
		}
	}

	ts := s.now().UTC()
	collectiblePath := post.CollectibleDocPath
	var walletCreated bool
	steps := s.acquisitionSteps(caller, postPath, collectiblePath, ts)
	steps = append(steps,
		saga.Step{
			Name: "debitBuyer",
			Do:   func(ctx context.Context) error { return s.store.AdjustBalance(ctx, caller, -price) },
			Undo: func(ctx context.Context) error { return s.store.AdjustBalance(ctx, caller, price) },
		},
		saga.Step{
			Name: "creditSeller",
			Do: func(ctx context.Context) error {
				created, err := s.store.CreditBalance(ctx, seller, price)
				walletCreated = created
				return err
			},
			Undo: func(ctx context.Context) error {
				if walletCreated {
					return s.store.DeleteBalance(ctx, seller)
				}
				return s.store.AdjustBalance(ctx, seller, -price)
			},
		},
		s.createdPathStep("purchaseIntent", func(ctx context.Context) (string, error) {
			return s.store.CreatePaymentIntent(ctx, caller, seller, "purchase", price, ts)
		}),
		s.createdPathStep("saleIntent", func(ctx context.Context) (string, error) {
			return s.store.CreatePaymentIntent(ctx, seller, caller, "sale", price, ts)
		}),
		s.createdPathStep("boughtEntry", func(ctx context.Context) (string, error) {
			return s.store.CreateTradeEntry(ctx, caller, "bought", postPath, collectiblePath, ts)
		}),
		s.createdPathStep("soldEntry", func(ctx context.Context) (string, error) {
			return s.store.CreateTradeEntry(ctx, seller, "sold", postPath, collectiblePath, ts)
		}),
	)
	if gated {
		steps = append(steps, s.createdPathStep("receipt", func(ctx context.Context) (string, error) {
			// The seller's verification is re-read inside the mutation so a
			// revoked identity fails the whole trade, not just the receipt.
			sellerIdentity, err := s.identity.Verification(ctx, seller)
			if err != nil {
				return "", fmt.Errorf("seller verification: %w", err)
			}
			return s.store.CreateReceipt(ctx, buyerIdentity.LegalName, sellerIdentity.LegalName, price, ts)
		}))
	}

	if err := s.runner(flow).RunParallel(ctx, flow, steps); err != nil {
		s.rolledBack(flow)
		return nil, errors.Internal("purchase failed", err)
	}
	s.committed(flow)

	event := notify.Event{
		Type:      "collectibleSold",
		Source:    caller,
		Target:    seller,
		Timestamp: ts,
		Params: map[string]interface{}{
			"postDocPath": postPath,
			"price":       price,
			"currency":    Currency,
		},
	}
	if gated {
		if err := s.notifier.Send(ctx, event); err != nil {
			s.notified("fail")
			s.log.WithContext(ctx).WithError(err).Error("sale notification failed after commit")
			return nil, errors.Internal("purchase committed but seller notification failed", err)
		}
		s.notified("ok")
	} else if err := s.outbox.Enqueue(ctx, event); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("sale notification not enqueued")
	}

	return &PurchaseResult{
		PostPath:        postPath,
		CollectiblePath: collectiblePath,
		Price:           price,
		Currency:        Currency,
		Timestamp:       ts,
	}, nil
}

// CollectCollectible redeems a single-use event code for caller. The code
// is consumed first under its lock; any later failure resets it.
func (s *Service) CollectCollectible(ctx context.Context, caller, codeStr string) (*CollectResult, error) {
	if caller == "" {
		return nil, errors.Unauthorized("")
	}
	codeStr = strings.TrimSpace(codeStr)
	if codeStr == "" {
		return nil, errors.InvalidRequest("code is required")
	}

	var result *CollectResult
	err := s.withResourceLock(ctx, "collectCollectible-"+codeStr, func(ctx context.Context) error {
		r, err := s.collect(ctx, caller, codeStr)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) collect(ctx context.Context, caller, codeStr string) (*CollectResult, error) {
	const flow = "collect"

	code, err := s.store.Code(ctx, codeStr)
	if goerrors.Is(err, docstore.ErrNotFound) {
		s.rejected(flow)
		return nil, errors.InvalidCode()
	}
	if err != nil {
		s.rejected(flow)
		return nil, errors.Internal("code unavailable", err)
	}
	if code.IsConsumed {
		s.rejected(flow)
		return nil, errors.CodeUsed()
	}

	ts := s.now().UTC()
	if err := s.store.ConsumeCode(ctx, codeStr, caller, ts); err != nil {
		s.rejected(flow)
		return nil, errors.Internal("code consumption failed", err)
	}

	// Each code has its own lock, so the stock read that assigns the rank
	// takes a second lock on the collectible. Redemptions of distinct codes
	// for the same collectible serialize here. Lock order is always code
	// then collectible.
	collectiblePath := code.CollectibleDocPath
	var rank int64
	var mutated bool
	lockErr := s.withResourceLock(ctx, "collectibleStock-"+collectiblePath, func(ctx context.Context) error {
		_, collectible, err := s.validatePurchase(ctx, caller, code.PostDocPath, TypeEvent)
		if err != nil {
			return err
		}
		rank = collectible.Stock.Initial - collectible.Stock.Remaining + 1

		steps := s.acquisitionSteps(caller, code.PostDocPath, collectiblePath, ts)
		steps = append(steps,
			s.createdPathStep("collectedEntry", func(ctx context.Context) (string, error) {
				return s.store.CreateTradeEntry(ctx, caller, "collected", code.PostDocPath, collectiblePath, ts)
			}),
			s.createdPathStep("collectedRecord", func(ctx context.Context) (string, error) {
				return s.store.CreateCollectedRecord(ctx, caller, collectiblePath, rank, ts)
			}),
		)

		if err := s.runner(flow).RunParallel(ctx, flow, steps); err != nil {
			mutated = true
			return errors.Internal("collection failed", err)
		}
		return nil
	})
	if lockErr != nil {
		s.resetCode(ctx, flow, codeStr)
		if mutated {
			s.rolledBack(flow)
		} else {
			s.rejected(flow)
		}
		return nil, lockErr
	}
	s.committed(flow)

	if err := s.outbox.Enqueue(ctx, notify.Event{
		Type:      "collectibleCollected",
		Source:    caller,
		Target:    code.CreatorUsername,
		Timestamp: ts,
		Params: map[string]interface{}{
			"postDocPath": code.PostDocPath,
			"rank":        rank,
		},
	}); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("collection notification not enqueued")
	}

	return &CollectResult{
		PostPath:        code.PostDocPath,
		CollectiblePath: collectiblePath,
		Rank:            rank,
		Timestamp:       ts,
	}, nil
}

// CreateCollectible attaches a new collectible to the caller's post. The
// saga runs sequentially; failure compensates completed steps in reverse.
func (s *Service) CreateCollectible(ctx context.Context, caller string, req CreateRequest) (*CreateResult, error) {
	if caller == "" {
		return nil, errors.Unauthorized("")
	}
	if req.PostPath == "" {
		return nil, errors.InvalidRequest("postDocPath is required")
	}
	if !req.Type.Valid() {
		return nil, errors.InvalidRequest("type must be trade or event")
	}
	if req.Stock <= 0 {
		return nil, errors.InvalidRequest("stock must be positive")
	}

	var result *CreateResult
	err := s.withResourceLock(ctx, "createCollectible-"+req.PostPath, func(ctx context.Context) error {
		r, err := s.create(ctx, caller, req)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) create(ctx context.Context, caller string, req CreateRequest) (*CreateResult, error) {
	const flow = "create"

	post, err := s.store.Post(ctx, req.PostPath)
	if goerrors.Is(err, docstore.ErrNotFound) {
		s.rejected(flow)
		return nil, errors.NotFound("post not found")
	}
	if err != nil {
		s.rejected(flow)
		return nil, errors.Internal("post unavailable", err)
	}
	if post.CreatorUsername != caller {
		s.rejected(flow)
		return nil, errors.Forbidden("only the post author can create a collectible")
	}
	if post.IsCollectible {
		s.rejected(flow)
		return nil, errors.Forbidden("post already has a collectible")
	}
	if limit := s.store.StockLimit(ctx, s.cfg.Market.MaxStock); req.Stock > limit {
		s.rejected(flow)
		return nil, errors.InvalidRequest("stock exceeds limit").WithDetails("limit", limit)
	}
	if req.Type == TypeTrade {
		verified, err := s.identity.IsVerifiedCreator(ctx, caller)
		if err != nil {
			s.rejected(flow)
			return nil, errors.Internal("creator status unavailable", err)
		}
		if !verified {
			s.rejected(flow)
			return nil, errors.Forbidden("trade collectibles require a verified creator")
		}
		if !s.cfg.PriceAllowed(req.Price) {
			s.rejected(flow)
			return nil, errors.InvalidRequest("price is not an allowed denomination").
				WithDetails("price", req.Price)
		}
	}

	ts := s.now().UTC()
	collectible := Collectible{
		ID:              uuid.NewString(),
		CreatorUsername: caller,
		PostPath:        req.PostPath,
		Type:            req.Type,
		Stock:           Stock{Initial: req.Stock, Remaining: req.Stock},
		CreatedAt:       ts,
	}
	if req.Type == TypeTrade {
		collectible.Price = Price{Amount: req.Price, Currency: Currency}
	}

	var collectiblePath string
	var createdEntry string
	var codes []string
	var createdCodes []string

	steps := []saga.Step{
		{
			Name: "createCollectible",
			Do: func(ctx context.Context) error {
				path, err := s.store.CreateCollectible(ctx, collectible)
				collectiblePath = path
				return err
			},
			Undo: func(ctx context.Context) error {
				if collectiblePath == "" {
					return nil
				}
				return s.store.Delete(ctx, collectiblePath)
			},
		},
		{
			Name: "linkPost",
			Do: func(ctx context.Context) error {
				return s.store.LinkPostCollectible(ctx, req.PostPath, collectiblePath)
			},
			Undo: func(ctx context.Context) error { return s.store.UnlinkPostCollectible(ctx, req.PostPath) },
		},
		{
			Name: "createdEntry",
			Do: func(ctx context.Context) error {
				path, err := s.store.CreateTradeEntry(ctx, caller, "created", req.PostPath, collectiblePath, ts)
				createdEntry = path
				return err
			},
			Undo: func(ctx context.Context) error {
				if createdEntry == "" {
					return nil
				}
				return s.store.Delete(ctx, createdEntry)
			},
		},
	}
	if req.Type == TypeEvent {
		steps = append(steps, saga.Step{
			Name: "createCodes",
			Do: func(ctx context.Context) error {
				for i := int64(0); i < req.Stock; i++ {
					c := Code{
						Code:               strings.ReplaceAll(uuid.NewString(), "-", ""),
						CollectibleDocPath: collectiblePath,
						PostDocPath:        req.PostPath,
						CreatorUsername:    caller,
					}
					if err := s.store.CreateCode(ctx, c); err != nil {
						return fmt.Errorf("code %d of %d: %w", i+1, req.Stock, err)
					}
					createdCodes = append(createdCodes, c.Code)
				}
				codes = createdCodes
				return nil
			},
			Undo: func(ctx context.Context) error {
				var firstErr error
				for _, c := range createdCodes {
					if err := s.store.Delete(ctx, codePath(c)); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				return firstErr
			},
		})
	}

	if err := s.runner(flow).Run(ctx, flow, steps); err != nil {
		s.rolledBack(flow)
		return nil, errors.Internal("collectible creation failed", err)
	}
	s.committed(flow)

	return &CreateResult{CollectiblePath: collectiblePath, Codes: codes}, nil
}

// validatePurchase runs the ordered acquisition checks shared by purchase
// and collection: post exists, no self-acquisition, post is collectible,
// the collectible matches the expected type, stock remains, and the caller
// does not already hold it.
func (s *Service) validatePurchase(ctx context.Context, caller, postPath string, want CollectibleType) (Post, Collectible, error) {
	post, err := s.store.Post(ctx, postPath)
	if goerrors.Is(err, docstore.ErrNotFound) {
		return Post{}, Collectible{}, errors.NotFound("post not found")
	}
	if err != nil {
		return Post{}, Collectible{}, errors.Internal("post unavailable", err)
	}
	if post.CreatorUsername == caller {
		return Post{}, Collectible{}, errors.Forbidden("cannot acquire your own collectible")
	}
	if !post.IsCollectible || post.CollectibleDocPath == "" {
		return Post{}, Collectible{}, errors.Forbidden("post is not a collectible")
	}

	collectible, err := s.store.Collectible(ctx, post.CollectibleDocPath)
	if err != nil {
		return Post{}, Collectible{}, errors.Internal("collectible unavailable", err)
	}
	if collectible.Type != want {
		return Post{}, Collectible{}, errors.Forbidden("collectible type mismatch")
	}
	if collectible.Stock.Remaining <= 0 {
		return Post{}, Collectible{}, errors.Forbidden("out of stock")
	}

	// Point-in-time check; safe because all attempts on this resource are
	// serialized by the lock held above us.
	already, err := s.store.HasCollector(ctx, post.CollectibleDocPath, caller)
	if err != nil {
		return Post{}, Collectible{}, errors.Internal("collector lookup failed", err)
	}
	if already {
		return Post{}, Collectible{}, errors.Forbidden("collectible already acquired")
	}

	return post, collectible, nil
}

// acquisitionSteps are the mutation steps every acquisition shares: stock
// decrement, collector record, and the holder's collectible counter.
func (s *Service) acquisitionSteps(caller, postPath, collectiblePath string, ts time.Time) []saga.Step {
	return []saga.Step{
		{
			Name: "decrementStock",
			Do:   func(ctx context.Context) error { return s.store.AdjustStock(ctx, collectiblePath, -1) },
			Undo: func(ctx context.Context) error { return s.store.AdjustStock(ctx, collectiblePath, 1) },
		},
		s.createdPathStep("collectorRecord", func(ctx context.Context) (string, error) {
			return s.store.CreateCollector(ctx, collectiblePath, caller, ts)
		}),
		{
			Name: "collectibleCount",
			Do:   func(ctx context.Context) error { return s.store.AdjustCollectibleCount(ctx, caller, 1) },
			Undo: func(ctx context.Context) error { return s.store.AdjustCollectibleCount(ctx, caller, -1) },
		},
	}
}

// createdPathStep wraps a document-creating action whose compensation is
// deleting whatever path it reported.
func (s *Service) createdPathStep(name string, create func(ctx context.Context) (string, error)) saga.Step {
	var path string
	return saga.Step{
		Name: name,
		Do: func(ctx context.Context) error {
			p, err := create(ctx)
			path = p
			return err
		},
		Undo: func(ctx context.Context) error {
			if path == "" {
				return nil
			}
			return s.store.Delete(ctx, path)
		},
	}
}

// withResourceLock bounds the queue wait with the configured lock timeout.
func (s *Service) withResourceLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.Market.LockTimeout)
	defer cancel()
	err := s.locks.WithLock(lockCtx, key, fn)
	if goerrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Internal("resource busy, try again", err)
	}
	return err
}

// resetCode is the compensation for code consumption. Its own failure
// leaves a stranded code that must be reconciled out of band.
func (s *Service) resetCode(ctx context.Context, flow, code string) {
	if err := s.store.ResetCode(context.WithoutCancel(ctx), code); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("code", code).Error("code reset failed")
		s.compensationFailed(flow, "resetCode")
	}
}

func (s *Service) committed(flow string) {
	if s.metrics != nil {
		s.metrics.SagaCommitted(flow)
	}
}

func (s *Service) rejected(flow string) {
	if s.metrics != nil {
		s.metrics.SagaRejected(flow)
	}
}

func (s *Service) rolledBack(flow string) {
	if s.metrics != nil {
		s.metrics.SagaRolledBack(flow)
	}
}

func (s *Service) compensationFailed(flow, step string) {
	if s.metrics != nil {
		s.metrics.CompensationFailure(flow, step)
	}
}

func (s *Service) notified(result string) {
	if s.metrics != nil {
		s.metrics.NotificationResult(result)
	}
}
