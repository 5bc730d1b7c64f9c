package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/booking-settlement/internal/model"
	"github.com/iliyamo/booking-settlement/internal/provider"
	"github.com/iliyamo/booking-settlement/internal/queue"
)

var (
	errStale = errors.New("stale settlement status")
	errCrash = errors.New("simulated crash")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

// memState is the committed content of memStore.
type memState struct {
	bookings      map[uint64]model.Booking
	wallets       map[uint64]model.Wallet
	ledger        []model.LedgerEntry
	notifications []model.Notification
	nextWallet    uint64
}

func (s memState) clone() memState {
	out := memState{
		bookings:      make(map[uint64]model.Booking, len(s.bookings)),
		wallets:       make(map[uint64]model.Wallet, len(s.wallets)),
		ledger:        append([]model.LedgerEntry(nil), s.ledger...),
		notifications: append([]model.Notification(nil), s.notifications...),
		nextWallet:    s.nextWallet,
	}
	for k, v := range s.bookings {
		out.bookings[k] = v
	}
	for k, v := range s.wallets {
		out.wallets[k] = v
	}
	return out
}

// memStore is an in-memory Store with commit/rollback semantics and
// injectable failures.
type memStore struct {
	mu       sync.Mutex
	st       memState
	profiles map[string]model.Profile
	claims   map[uint64]bool

	// failCommit is returned by the next WithTx after fn succeeded, with
	// nothing committed.
	failCommit error
	// failTransition fails single-statement transitions of a booking.
	failTransition map[uint64]error
	// failRecordPending fails the next RecordPendingTransfer.
	failRecordPending error
	// failProfile fails every Profile lookup.
	failProfile error
	// racedLedger holds references another run inserts between a
	// transaction's existence check and its insert.
	racedLedger map[string]bool

	illegal []string
	txCount int
}

func newMemStore() *memStore {
	return &memStore{
		st: memState{
			bookings: map[uint64]model.Booking{},
			wallets:  map[uint64]model.Wallet{},
		},
		profiles:       map[string]model.Profile{},
		claims:         map[uint64]bool{},
		failTransition: map[uint64]error{},
		racedLedger:    map[string]bool{},
	}
}

func (m *memStore) addBooking(b model.Booking) {
	m.st.bookings[b.ID] = b
}

func (m *memStore) addWallet(w model.Wallet) {
	if w.ID == 0 {
		m.st.nextWallet++
		w.ID = m.st.nextWallet
	} else if w.ID > m.st.nextWallet {
		m.st.nextWallet = w.ID
	}
	m.st.wallets[w.ID] = w
}

func (m *memStore) addProfile(p model.Profile) {
	m.profiles[p.Email] = p
}

func (m *memStore) booking(id uint64) model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.bookings[id]
}

func (m *memStore) wallet(id uint64) model.Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.wallets[id]
}

func (m *memStore) walletOf(owner string) (model.Wallet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.st.wallets {
		if w.Owner == owner {
			return w, true
		}
	}
	return model.Wallet{}, false
}

func (m *memStore) ledgerEntries() []model.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LedgerEntry(nil), m.st.ledger...)
}

func (m *memStore) notificationList() []model.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Notification(nil), m.st.notifications...)
}

// snapshot renders the committed state deterministically.
func (m *memStore) snapshot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	ids := make([]int, 0, len(m.st.bookings))
	for id := range m.st.bookings {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		bk := m.st.bookings[uint64(id)]
		fmt.Fprintf(&b, "booking %d %s %s %s\n", bk.ID, bk.SettlementStatus, bk.Outcome, bk.MeetingStatus)
	}
	ids = ids[:0]
	for id := range m.st.wallets {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		w := m.st.wallets[uint64(id)]
		fmt.Fprintf(&b, "wallet %d %s %s %v %v\n", w.ID, w.Owner, w.Balance.StringFixed(2), deref(w.WithdrawalStatus), deref(w.PendingTransferRef))
	}
	for _, e := range m.st.ledger {
		fmt.Fprintf(&b, "ledger %s %s %s\n", e.Reference, e.Kind, e.Amount.StringFixed(2))
	}
	for _, n := range m.st.notifications {
		fmt.Fprintf(&b, "note %d %s\n", n.Recipient, n.Message)
	}
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func transition(st *memState, id uint64, from, to model.SettlementStatus, illegal *[]string) error {
	if err := model.ValidateTransition(from, to); err != nil {
		*illegal = append(*illegal, err.Error())
		return err
	}
	b, ok := st.bookings[id]
	if !ok || b.SettlementStatus != from {
		return errStale
	}
	b.SettlementStatus = to
	st.bookings[id] = b
	return nil
}

func (m *memStore) PaidBookings(_ context.Context, statuses ...model.SettlementStatus) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for _, b := range m.st.bookings {
		if !b.Paid {
			continue
		}
		for _, s := range statuses {
			if b.SettlementStatus == s {
				out = append(out, b)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) TransitionBooking(_ context.Context, id uint64, from, to model.SettlementStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failTransition[id]; err != nil {
		return err
	}
	return transition(&m.st, id, from, to, &m.illegal)
}

func (m *memStore) Profile(_ context.Context, email string) (model.Profile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failProfile != nil {
		return model.Profile{}, false, m.failProfile
	}
	p, ok := m.profiles[email]
	return p, ok, nil
}

func (m *memStore) SweepableWallets(_ context.Context, minimum decimal.Decimal) ([]model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Wallet
	for _, w := range m.st.wallets {
		if w.Sweepable(minimum) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) TryLockWallet(_ context.Context, id uint64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims[id] {
		return nil, false, nil
	}
	m.claims[id] = true
	return func() {
		m.mu.Lock()
		delete(m.claims, id)
		m.mu.Unlock()
	}, true, nil
}

func (m *memStore) Wallet(_ context.Context, id uint64) (model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.st.wallets[id]
	if !ok {
		return model.Wallet{}, fmt.Errorf("wallet %d not found", id)
	}
	return w, nil
}

func (m *memStore) MarkWithdrawing(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	w := m.st.wallets[id]
	w.WithdrawalStatus = strPtr(model.WithdrawalWithdrawing)
	m.st.wallets[id] = w
	return nil
}

func (m *memStore) RecordPendingTransfer(ctx context.Context, id uint64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.failRecordPending; err != nil {
		m.failRecordPending = nil
		return err
	}
	w := m.st.wallets[id]
	w.PendingTransferRef = strPtr(ref)
	m.st.wallets[id] = w
	return nil
}

func (m *memStore) ClearWithdrawing(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	w := m.st.wallets[id]
	w.WithdrawalStatus, w.PendingTransferRef = nil, nil
	m.st.wallets[id] = w
	return nil
}

func (m *memStore) LedgerExists(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ledgerHas(m.st, reference), nil
}

func ledgerHas(st memState, reference string) bool {
	for _, e := range st.ledger {
		if e.Reference == reference {
			return true
		}
	}
	return false
}

func (m *memStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.txCount++
	work := m.st.clone()
	if err := fn(&memTx{st: &work, illegal: &m.illegal, raced: m.racedLedger}); err != nil {
		return err
	}
	if err := m.failCommit; err != nil {
		m.failCommit = nil
		return err
	}
	m.st = work
	return nil
}

// memTx works on a private copy of the state that WithTx commits.
type memTx struct {
	st      *memState
	illegal *[]string
	raced   map[string]bool
}

func (t *memTx) TransitionBooking(_ context.Context, id uint64, from, to model.SettlementStatus) error {
	return transition(t.st, id, from, to, t.illegal)
}

func (t *memTx) CompleteMeeting(_ context.Context, id uint64) error {
	b := t.st.bookings[id]
	b.MeetingStatus = model.MeetingCompleted
	t.st.bookings[id] = b
	return nil
}

func (t *memTx) SetOutcome(_ context.Context, id uint64, outcome model.Outcome) error {
	b := t.st.bookings[id]
	b.Outcome = outcome
	t.st.bookings[id] = b
	return nil
}

func (t *memTx) LedgerExists(_ context.Context, reference string) (bool, error) {
	return ledgerHas(*t.st, reference), nil
}

// InsertLedger behaves like the unique reference index: a concurrent
// writer that got there first turns the insert into a no-op.
func (t *memTx) InsertLedger(_ context.Context, e model.LedgerEntry) (bool, error) {
	if ledgerHas(*t.st, e.Reference) {
		return false, nil
	}
	if t.raced[e.Reference] {
		t.st.ledger = append(t.st.ledger, e)
		return false, nil
	}
	t.st.ledger = append(t.st.ledger, e)
	return true, nil
}

func (t *memTx) NotificationExists(_ context.Context, recipient uint64, message string) (bool, error) {
	for _, n := range t.st.notifications {
		if n.Recipient == recipient && n.Message == message {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertNotification(_ context.Context, n model.Notification) error {
	t.st.notifications = append(t.st.notifications, n)
	return nil
}

func (t *memTx) WalletForUpdate(_ context.Context, owner, currency string) (model.Wallet, bool, error) {
	for _, w := range t.st.wallets {
		if w.Owner == owner && w.Currency == currency {
			return w, true, nil
		}
	}
	return model.Wallet{}, false, nil
}

func (t *memTx) LockWallet(_ context.Context, id uint64) (model.Wallet, error) {
	w, ok := t.st.wallets[id]
	if !ok {
		return model.Wallet{}, fmt.Errorf("wallet %d not found", id)
	}
	return w, nil
}

func (t *memTx) CreateWallet(_ context.Context, w model.Wallet) (uint64, error) {
	t.st.nextWallet++
	w.ID = t.st.nextWallet
	t.st.wallets[w.ID] = w
	return w.ID, nil
}

func (t *memTx) CreditWallet(_ context.Context, id uint64, amount decimal.Decimal) error {
	w := t.st.wallets[id]
	w.Balance = w.Balance.Add(amount)
	t.st.wallets[id] = w
	return nil
}

func (t *memTx) SettleWithdrawal(_ context.Context, id uint64, amount decimal.Decimal) error {
	w := t.st.wallets[id]
	w.Balance = decimal.Max(w.Balance.Sub(amount), decimal.Zero)
	w.WithdrawalStatus, w.PendingTransferRef = nil, nil
	t.st.wallets[id] = w
	return nil
}

// fakeProvider is a provider.Client that honours idempotency keys and
// counts calls.
type fakeProvider struct {
	mu sync.Mutex

	captures   map[string]provider.CaptureStatus
	captureErr error

	// transferKeys holds the response first returned for each key; a
	// repeated key replays it even if the transfer changed since.
	transfers         map[string]provider.Transfer
	transferOrder     []string
	transferKeys      map[string]provider.Transfer
	createTransfers   int
	createTransferErr error
	listTransfersErr  error
	retrieveErr       error

	// afterCreateTransfer runs once a CreateTransfer call has produced a
	// transfer.
	afterCreateTransfer func()

	refunds         map[string][]provider.Refund
	refundStatus    provider.RefundStatus
	createRefunds   int
	createRefundErr error
	listRefundsErr  error
	refundKeys      map[string]provider.Refund
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		captures:     map[string]provider.CaptureStatus{},
		transfers:    map[string]provider.Transfer{},
		transferKeys: map[string]provider.Transfer{},
		refunds:      map[string][]provider.Refund{},
		refundStatus: provider.RefundSucceeded,
		refundKeys:   map[string]provider.Refund{},
	}
}

func (p *fakeProvider) addTransfer(t provider.Transfer) {
	p.transfers[t.ID] = t
	p.transferOrder = append(p.transferOrder, t.ID)
}

func (p *fakeProvider) CreateTransfer(_ context.Context, req provider.TransferRequest) (provider.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createTransfers++
	if p.createTransferErr != nil {
		return provider.Transfer{}, p.createTransferErr
	}
	if t, ok := p.transferKeys[req.IdempotencyKey]; ok {
		return t, nil
	}
	t := provider.Transfer{
		ID:          fmt.Sprintf("t_%d", len(p.transferOrder)+1),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.Destination,
		Status:      provider.TransferPaid,
		Created:     testNow,
		Metadata:    req.Metadata,
	}
	p.addTransfer(t)
	p.transferKeys[req.IdempotencyKey] = t
	if p.afterCreateTransfer != nil {
		p.afterCreateTransfer()
	}
	return t, nil
}

func (p *fakeProvider) RetrieveTransfer(_ context.Context, id string) (provider.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retrieveErr != nil {
		return provider.Transfer{}, p.retrieveErr
	}
	t, ok := p.transfers[id]
	if !ok {
		return provider.Transfer{}, fmt.Errorf("no such transfer: %s", id)
	}
	return t, nil
}

func (p *fakeProvider) ListTransfers(_ context.Context, destination string, limit int) ([]provider.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listTransfersErr != nil {
		return nil, p.listTransfersErr
	}
	var out []provider.Transfer
	for i := len(p.transferOrder) - 1; i >= 0 && len(out) < limit; i-- {
		t := p.transfers[p.transferOrder[i]]
		if t.Destination == destination {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *fakeProvider) CreateRefund(_ context.Context, req provider.RefundRequest) (provider.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createRefunds++
	if p.createRefundErr != nil {
		return provider.Refund{}, p.createRefundErr
	}
	if r, ok := p.refundKeys[req.IdempotencyKey]; ok {
		return r, nil
	}
	r := provider.Refund{ID: fmt.Sprintf("re_%d", len(p.refundKeys)+1), Amount: req.Amount, Status: p.refundStatus}
	p.refundKeys[req.IdempotencyKey] = r
	p.refunds[req.PaymentRef] = append(p.refunds[req.PaymentRef], r)
	return r, nil
}

func (p *fakeProvider) ListRefunds(_ context.Context, paymentRef string) ([]provider.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listRefundsErr != nil {
		return nil, p.listRefundsErr
	}
	return append([]provider.Refund(nil), p.refunds[paymentRef]...), nil
}

func (p *fakeProvider) CaptureStatus(_ context.Context, paymentRef string) (provider.CaptureStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captureErr != nil {
		return "", p.captureErr
	}
	if s, ok := p.captures[paymentRef]; ok {
		return s, nil
	}
	return provider.CaptureSucceeded, nil
}

type logLine struct {
	stage   string
	isError bool
	msg     string
}

type recLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recLogger) Logf(stage string, isError bool, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{stage: stage, isError: isError, msg: fmt.Sprintf(format, args...)})
}

func (l *recLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line.msg, substr) {
			return true
		}
	}
	return false
}

type recPublisher struct {
	mu     sync.Mutex
	events []queue.SettlementEvent
	err    error
}

func (p *recPublisher) Publish(_ context.Context, ev queue.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// harness bundles the fakes a stage test needs.
type harness struct {
	store *memStore
	prov  *fakeProvider
	log   *recLogger
	pub   *recPublisher
}

func newHarness() *harness {
	return &harness{
		store: newMemStore(),
		prov:  newFakeProvider(),
		log:   &recLogger{},
		pub:   &recPublisher{},
	}
}

func (h *harness) deps() Deps {
	return Deps{Store: h.store, Provider: h.prov, Logger: h.log, Publisher: h.pub, Now: fixedNow}
}
