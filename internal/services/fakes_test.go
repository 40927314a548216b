package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tickethub/payment-reconciler/internal/gateway"
	"github.com/tickethub/payment-reconciler/internal/models"
	pkgerrors "github.com/tickethub/payment-reconciler/pkg/errors"
)

// fakePurchaseRepo is an in-memory store honoring the conditional-write
// contract, with hooks for simulating races and outages.
type fakePurchaseRepo struct {
	mu      sync.Mutex
	records map[string]*models.PurchaseRecord

	findErr   error
	insertErr error
	listErr   error

	// forcedUpdateResults is consumed front-first by UpdateIfStatus to
	// simulate lost races regardless of stored state. onConflict, when set,
	// mutates the stored record as the concurrent "winner" would have.
	forcedUpdateResults []bool
	onConflict          func(*models.PurchaseRecord)
}

func newFakePurchaseRepo() *fakePurchaseRepo {
	return &fakePurchaseRepo{records: make(map[string]*models.PurchaseRecord)}
}

func (f *fakePurchaseRepo) put(record *models.PurchaseRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *record
	f.records[record.TransactionReference] = &cp
}

func (f *fakePurchaseRepo) get(reference string) *models.PurchaseRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[reference]; ok {
		cp := *r
		return &cp
	}
	return nil
}

func (f *fakePurchaseRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakePurchaseRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrRecordNotFound
}

func (f *fakePurchaseRepo) FindByReference(ctx context.Context, reference string) (*models.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	r, ok := f.records[reference]
	if !ok {
		return nil, pkgerrors.ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakePurchaseRepo) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.PurchaseRecord
	for _, r := range f.records {
		if r.PaymentStatus == models.StatusPending && r.CreatedAt.Before(cutoff) {
			out = append(out, *r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakePurchaseRepo) InsertIfAbsent(ctx context.Context, record *models.PurchaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, exists := f.records[record.TransactionReference]; exists {
		return pkgerrors.ErrDuplicateReference
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.CreatedAt = time.Now().UTC()
	record.UpdatedAt = record.CreatedAt
	cp := *record
	f.records[record.TransactionReference] = &cp
	return nil
}

func (f *fakePurchaseRepo) UpdateIfStatus(ctx context.Context, id uuid.UUID, expected models.PaymentStatus, patch models.PurchasePatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forcedUpdateResults) > 0 {
		res := f.forcedUpdateResults[0]
		f.forcedUpdateResults = f.forcedUpdateResults[1:]
		if !res {
			if f.onConflict != nil {
				for _, r := range f.records {
					if r.ID == id {
						f.onConflict(r)
					}
				}
			}
			return false, nil
		}
	}
	for _, r := range f.records {
		if r.ID != id {
			continue
		}
		if r.PaymentStatus != expected {
			return false, nil
		}
		if patch.PaymentStatus != nil {
			r.PaymentStatus = *patch.PaymentStatus
		}
		if patch.AmountPaid != nil {
			r.AmountPaid = *patch.AmountPaid
		}
		if patch.GatewayTransactionID != nil {
			r.GatewayTransactionID = *patch.GatewayTransactionID
		}
		if patch.RawGatewayPayload != nil {
			r.RawGatewayPayload = patch.RawGatewayPayload
		}
		r.UpdatedAt = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

// fakeGateway returns canned results per reference.
type fakeGateway struct {
	mu          sync.Mutex
	verifyMap   map[string]*models.VerificationResult
	verifyErrs  map[string]error
	initResult  *gateway.InitializeResult
	initErr     error
	verifyCalls []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		verifyMap:  make(map[string]*models.VerificationResult),
		verifyErrs: make(map[string]error),
	}
}

func (f *fakeGateway) Initialize(ctx context.Context, reference string, amount int64, buyer gateway.Buyer) (*gateway.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.initResult != nil {
		return f.initResult, nil
	}
	return &gateway.InitializeResult{CheckoutURL: "https://checkout.example.com/" + reference, Reference: reference}, nil
}

func (f *fakeGateway) Verify(ctx context.Context, reference string) (*models.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls = append(f.verifyCalls, reference)
	if err, ok := f.verifyErrs[reference]; ok {
		return nil, err
	}
	if v, ok := f.verifyMap[reference]; ok {
		cp := *v
		return &cp, nil
	}
	return &models.VerificationResult{OK: false, Reference: reference}, nil
}

// fakeRedis implements the RedisClient interface with a plain map.
type fakeRedis struct {
	mu       sync.Mutex
	values   map[string]string
	setNXErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", pkgerrors.ErrRecordNotFound
	}
	return v, nil
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = "set"
	return nil
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setNXErr != nil {
		return false, f.setNXErr
	}
	if _, exists := f.values[key]; exists {
		return false, nil
	}
	f.values[key] = "set"
	return true, nil
}

func (f *fakeRedis) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeRedis) Close() error { return nil }

// fakeProducer records published events.
type fakeProducer struct {
	mu     sync.Mutex
	events [][]byte
}

func (f *fakeProducer) Send(ctx context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, value)
	return nil
}

func (f *fakeProducer) Close() error { return nil }
