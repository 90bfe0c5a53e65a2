package settlement

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stablepay/usdt-settlement/pkg"
	"github.com/stablepay/usdt-settlement/pkg/collab"
	"github.com/stablepay/usdt-settlement/pkg/explorer"
	"github.com/stablepay/usdt-settlement/pkg/models"
	"github.com/stablepay/usdt-settlement/pkg/verification"
	"github.com/stablepay/usdt-settlement/pkg/views"
)

// fakeOrders is an in-memory stand-in for the pgx order repository with the
// same conditional-transition semantics.
type fakeOrders struct {
	mu sync.Mutex
	m  map[uuid.UUID]models.Order
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{m: make(map[uuid.UUID]models.Order)}
}

func (f *fakeOrders) get(id uuid.UUID) models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[id]
}

func (f *fakeOrders) put(order models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[order.ID] = order
}

func (f *fakeOrders) Create(_ context.Context, order models.Order, maxPerUser int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maxPerUser > 0 {
		purchased := 0
		for _, o := range f.m {
			if o.UserID == order.UserID && o.ProductID == order.ProductID &&
				o.Status != pkg.OrderStatusCancelled && o.Status != pkg.OrderStatusExpired {
				purchased += o.Quantity
			}
		}
		if purchased+order.Quantity > maxPerUser {
			return false, nil
		}
	}
	f.m[order.ID] = order
	return true, nil
}

func (f *fakeOrders) FindByID(_ context.Context, id uuid.UUID) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.m[id]
	if !ok {
		return models.Order{}, pgx.ErrNoRows
	}
	return order, nil
}

func (f *fakeOrders) FindByUser(_ context.Context, userID uuid.UUID, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.m {
		if o.UserID == userID && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeOrders) CountPurchases(_ context.Context, userID, productID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, o := range f.m {
		if o.UserID == userID && o.ProductID == productID &&
			o.Status != pkg.OrderStatusCancelled && o.Status != pkg.OrderStatusExpired {
			count += o.Quantity
		}
	}
	return count, nil
}

func (f *fakeOrders) ListOpenCreatedAfter(_ context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.m {
		if o.Status.Open() && o.CreatedAt.After(cutoff) && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeOrders) RecordCandidate(_ context.Context, id uuid.UUID, txHash string, blockNumber uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[id]
	if !ok || !o.Status.Open() || o.TransactionHash != "" {
		return false, nil
	}
	o.TransactionHash = txHash
	o.BlockNumber = blockNumber
	f.m[id] = o
	return true, nil
}

func (f *fakeOrders) UpdateConfirmations(_ context.Context, id uuid.UUID, txHash string, blockNumber, confirmations uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[id]
	if !ok || !o.Status.Open() {
		return false, nil
	}
	o.Status = pkg.OrderStatusPendingConfirmations
	o.TransactionHash = txHash
	o.BlockNumber = blockNumber
	o.Confirmations = confirmations
	f.m[id] = o
	return true, nil
}

func (f *fakeOrders) ClearTransaction(_ context.Context, id uuid.UUID, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[id]
	if !ok || !o.Status.Open() {
		return false, nil
	}
	o.TransactionHash = ""
	o.BlockNumber = 0
	o.Confirmations = 0
	o.Message = message
	o.Status = pkg.OrderStatusPending
	f.m[id] = o
	return true, nil
}

func (f *fakeOrders) MarkPaid(_ context.Context, id uuid.UUID, txHash string, blockNumber, confirmations uint64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[id]
	if !ok || !o.Status.Open() {
		return false, nil
	}
	o.Status = pkg.OrderStatusPaid
	o.TransactionHash = txHash
	o.BlockNumber = blockNumber
	o.Confirmations = confirmations
	if o.PaidAt == nil {
		o.PaidAt = &at
	}
	f.m[id] = o
	return true, nil
}

func (f *fakeOrders) MarkFulfilled(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[id]
	if !ok || o.Status != pkg.OrderStatusPaid {
		return false, nil
	}
	o.Status = pkg.OrderStatusFulfilled
	o.FulfilledAt = &at
	f.m[id] = o
	return true, nil
}

func (f *fakeOrders) MarkCancelled(_ context.Context, id uuid.UUID, from pkg.OrderStatus, message string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = pkg.OrderStatusCancelled
	o.Message = message
	o.CancelledAt = &at
	f.m[id] = o
	return true, nil
}

func (f *fakeOrders) MarkExpired(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[id]
	if !ok || !o.Status.Open() || !o.ExpiresAt.Before(at) {
		return false, nil
	}
	o.Status = pkg.OrderStatusExpired
	f.m[id] = o
	return true, nil
}

func (f *fakeOrders) MarkUnderReview(_ context.Context, id uuid.UUID, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[id]
	if !ok || !o.Status.Open() {
		return false, nil
	}
	o.Status = pkg.OrderStatusUnderReview
	o.Message = message
	o.UpdatedAt = time.Now().UTC()
	f.m[id] = o
	return true, nil
}

func (f *fakeOrders) CountByStatus(_ context.Context) (map[pkg.OrderStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[pkg.OrderStatus]int)
	for _, o := range f.m {
		counts[o.Status]++
	}
	return counts, nil
}

func (f *fakeOrders) RecentUnderReview(_ context.Context, since time.Time, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.m {
		if o.Status == pkg.OrderStatusUnderReview && !o.UpdatedAt.Before(since) && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeOrders) RevenueSince(_ context.Context, since time.Time) (decimal.Decimal, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	count := 0
	for _, o := range f.m {
		if (o.Status == pkg.OrderStatusPaid || o.Status == pkg.OrderStatusFulfilled) &&
			o.PaidAt != nil && !o.PaidAt.Before(since) {
			total = total.Add(o.TotalPriceUSDT)
			count++
		}
	}
	return total, count, nil
}

type fakeProducts struct {
	m map[uuid.UUID]models.Product
}

func (f *fakeProducts) FindByID(_ context.Context, id uuid.UUID) (models.Product, error) {
	p, ok := f.m[id]
	if !ok {
		return models.Product{}, pgx.ErrNoRows
	}
	return p, nil
}

func (f *fakeProducts) ListActive(_ context.Context) ([]models.Product, error) {
	var out []models.Product
	for _, p := range f.m {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []views.CheckJob
	err  error
}

func (f *fakeScheduler) Schedule(job views.CheckJob) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeScheduler) Close() {}

func (f *fakeScheduler) scheduled() []views.CheckJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]views.CheckJob(nil), f.jobs...)
}

type fakeRewards struct {
	mu     sync.Mutex
	draws  []uuid.UUID // order IDs draws were executed for
	grants int
	err    error
}

func (f *fakeRewards) ExecuteDraw(_ context.Context, orderID, _ uuid.UUID, _ int) (*collab.DrawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.draws = append(f.draws, orderID)
	return &collab.DrawResult{
		DrawID: uuid.New(),
		Items:  []collab.RewardItem{{ItemID: uuid.New(), Name: "item", Rarity: "common"}},
	}, nil
}

func (f *fakeRewards) GrantToUser(_ context.Context, _ uuid.UUID, _ collab.RewardItem, _, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
	return nil
}

func (f *fakeRewards) drawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.draws)
}

type fakeCommission struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCommission) ProcessCommission(_ context.Context, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls++
	return nil
}

// fakeVerifier scripts point-verification outcomes and serves canned scan
// results. Candidate matching delegates to the real engine logic.
type fakeVerifier struct {
	mu        sync.Mutex
	verifyFn  func(txHash string) (*verification.Result, error)
	transfers []explorer.TokenTransfer
	matcher   verification.Engine
	verified  []string
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		matcher: verification.NewEngine(zap.NewNop(), nil, nil, verification.Config{
			TokenContract: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		}),
	}
}

func (f *fakeVerifier) Verify(_ context.Context, txHash, _, _ string, _ decimal.Decimal) (*verification.Result, error) {
	f.mu.Lock()
	f.verified = append(f.verified, txHash)
	fn := f.verifyFn
	f.mu.Unlock()
	if fn == nil {
		return &verification.Result{Reason: "transaction not found"}, nil
	}
	return fn(txHash)
}

func (f *fakeVerifier) FindTokenTransfers(_ context.Context, _ string, _, _ uint64) []explorer.TokenTransfer {
	return f.transfers
}

func (f *fakeVerifier) ScanRecent(_ context.Context, _ string, _ uint64) []explorer.TokenTransfer {
	return f.transfers
}

func (f *fakeVerifier) MatchCandidate(transfers []explorer.TokenTransfer, from, to string, amount decimal.Decimal, notBefore time.Time) (*explorer.TokenTransfer, bool) {
	return f.matcher.MatchCandidate(transfers, from, to, amount, notBefore)
}

func (f *fakeVerifier) RequiredConfirmations() uint64 { return 12 }

type fakeRisk struct {
	assessment RiskAssessment
}

func (f *fakeRisk) Assess(_ context.Context, wallet string) RiskAssessment {
	a := f.assessment
	a.Wallet = wallet
	return a
}

func validResult(confirmations uint64) *verification.Result {
	return &verification.Result{
		IsValid:       true,
		Confirmations: confirmations,
		Receipt:       &types.Receipt{BlockNumber: big.NewInt(1000), Status: types.ReceiptStatusSuccessful},
	}
}

func softResult(confirmations uint64) *verification.Result {
	return &verification.Result{
		Soft:          true,
		Reason:        "insufficient confirmations",
		Confirmations: confirmations,
		Receipt:       &types.Receipt{BlockNumber: big.NewInt(1000), Status: types.ReceiptStatusSuccessful},
	}
}
