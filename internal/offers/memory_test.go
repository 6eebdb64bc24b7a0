package offers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/tradedesk/internal/inquiries"
	"github.com/tradedesk/tradedesk/internal/shared"
)

type memoryState struct {
	offers map[int64]Offer
	items  map[int64]LineItem
	docs   map[uuid.UUID]Document
	idem   map[string]int64
	nextID int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		offers: make(map[int64]Offer, len(s.offers)),
		items:  make(map[int64]LineItem, len(s.items)),
		docs:   make(map[uuid.UUID]Document, len(s.docs)),
		idem:   make(map[string]int64, len(s.idem)),
		nextID: s.nextID,
	}
	for k, v := range s.offers {
		out.offers[k] = v
	}
	for k, v := range s.items {
		out.items[k] = cloneLineItem(v)
	}
	for k, v := range s.docs {
		out.docs[k] = v
	}
	for k, v := range s.idem {
		out.idem[k] = v
	}
	return out
}

// memoryRepo keeps offers and line items apart the way the tables do and
// hands out copies, so service code cannot alias stored state.
type memoryRepo struct {
	mu    sync.Mutex
	state memoryState

	// conflicts makes the next n InsertOffer calls fail with ErrConflict.
	conflicts    int
	locks        []string
	statusCalls  int
	insertOffers int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{
		offers: make(map[int64]Offer),
		items:  make(map[int64]LineItem),
		docs:   make(map[uuid.UUID]Document),
		idem:   make(map[string]int64),
	}}
}

func cloneLineItem(li LineItem) LineItem {
	li.QuantityPrices = copyTiers(li.QuantityPrices)
	li.UnitPrices = copyTiers(li.UnitPrices)
	return li
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	snapshot := r.state.clone()
	r.mu.Unlock()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.mu.Lock()
		r.state = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryRepo) load(id int64) (*Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %d: %w", id, shared.ErrNotFound)
	}
	o.LineItems = nil
	for _, li := range r.state.items {
		if li.OfferID == id {
			o.LineItems = append(o.LineItems, cloneLineItem(li))
		}
	}
	sort.Slice(o.LineItems, func(i, j int) bool {
		if o.LineItems[i].Position != o.LineItems[j].Position {
			return o.LineItems[i].Position < o.LineItems[j].Position
		}
		return o.LineItems[i].ID < o.LineItems[j].ID
	})
	return &o, nil
}

func (r *memoryRepo) GetOffer(ctx context.Context, id int64) (*Offer, error) {
	return r.load(id)
}

func (r *memoryRepo) ListOffers(ctx context.Context, filter ListFilter) ([]Offer, int, error) {
	r.mu.Lock()
	var matched []Offer
	for _, o := range r.state.offers {
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		if filter.InquiryID != nil && (o.InquiryID == nil || *o.InquiryID != *filter.InquiryID) {
			continue
		}
		if filter.CustomerID != nil && (o.CustomerID == nil || *o.CustomerID != *filter.CustomerID) {
			continue
		}
		if filter.Search != "" && !strings.Contains(o.OfferNumber, filter.Search) {
			continue
		}
		matched = append(matched, o)
	}
	r.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	page := shared.NewPagination(filter.Page, filter.PerPage, len(matched))
	start := page.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + page.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (r *memoryRepo) StatusTotals(ctx context.Context) ([]StatusTotal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCalls++
	byStatus := make(map[Status]*StatusTotal)
	for _, o := range r.state.offers {
		st, ok := byStatus[o.Status]
		if !ok {
			st = &StatusTotal{Status: o.Status, Value: decimal.Zero}
			byStatus[o.Status] = st
		}
		st.Count++
		st.Value = st.Value.Add(o.TotalAmount)
	}
	var out []StatusTotal
	for _, st := range byStatus {
		out = append(out, *st)
	}
	return out, nil
}

func (r *memoryRepo) RecentOffers(ctx context.Context, limit int) ([]Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Summary
	for _, o := range r.state.offers {
		out = append(out, Summary{
			ID: o.ID, OfferNumber: o.OfferNumber, Title: o.Title,
			CustomerName: o.CustomerSnapshot.CompanyName, Status: o.Status,
			Currency: o.Currency, TotalAmount: o.TotalAmount, CreatedAt: o.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) LatestDocument(ctx context.Context, offerID int64) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.offers[offerID]
	if !ok || o.PDFDocumentID == nil {
		return nil, shared.ErrNotFound
	}
	doc, ok := r.state.docs[*o.PDFDocumentID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &doc, nil
}

func (r *memoryRepo) LookupIdempotencyKey(ctx context.Context, key string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.state.idem[key]
	if !ok {
		return 0, shared.ErrNotFound
	}
	return id, nil
}

func (r *memoryRepo) ExpireOffers(ctx context.Context, today time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, o := range r.state.offers {
		if o.ValidUntil == nil || !o.ValidUntil.Before(today) {
			continue
		}
		for _, st := range expirable {
			if o.Status == st {
				o.Status = StatusExpired
				r.state.offers[id] = o
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// seed stores o and its line items as they are, bypassing the service.
func (r *memoryRepo) seed(o Offer) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.nextID++
	o.ID = r.state.nextID
	items := o.LineItems
	o.LineItems = nil
	r.state.offers[o.ID] = o
	for _, li := range items {
		r.state.nextID++
		li.ID = r.state.nextID
		li.OfferID = o.ID
		r.state.items[li.ID] = cloneLineItem(li)
	}
	return o.ID
}

func (tx *memoryTx) LockNumberPrefix(ctx context.Context, prefix string) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.locks = append(tx.repo.locks, prefix)
	return nil
}

func (tx *memoryTx) LastOfferNumber(ctx context.Context, prefix string) (string, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	last := ""
	for _, o := range tx.repo.state.offers {
		n := o.OfferNumber
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		if len(n) > len(last) || (len(n) == len(last) && n > last) {
			last = n
		}
	}
	return last, nil
}

func (tx *memoryTx) ClaimIdempotencyKey(ctx context.Context, key string, offerID int64) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if _, ok := tx.repo.state.idem[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	tx.repo.state.idem[key] = offerID
	return nil
}

func (tx *memoryTx) GetOffer(ctx context.Context, id int64) (*Offer, error) {
	return tx.repo.load(id)
}

func (tx *memoryTx) InsertOffer(ctx context.Context, o *Offer) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertOffers++
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("offer number %s: %w", o.OfferNumber, shared.ErrConflict)
	}
	for _, existing := range r.state.offers {
		if existing.OfferNumber == o.OfferNumber {
			return fmt.Errorf("offer number %s: %w", o.OfferNumber, shared.ErrConflict)
		}
	}
	r.state.nextID++
	o.ID = r.state.nextID
	o.CreatedAt = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	o.UpdatedAt = o.CreatedAt
	stored := *o
	stored.LineItems = nil
	r.state.offers[o.ID] = stored
	return nil
}

func (tx *memoryTx) UpdateOffer(ctx context.Context, o *Offer) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.state.offers[o.ID]; !ok {
		return fmt.Errorf("offer %d: %w", o.ID, shared.ErrNotFound)
	}
	stored := *o
	stored.LineItems = nil
	r.state.offers[o.ID] = stored
	return nil
}

func (tx *memoryTx) UpdateStatus(ctx context.Context, id int64, status Status) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.offers[id]
	if !ok {
		return fmt.Errorf("offer %d: %w", id, shared.ErrNotFound)
	}
	o.Status = status
	r.state.offers[id] = o
	return nil
}

func (tx *memoryTx) DeleteOffer(ctx context.Context, id int64) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.state.offers[id]; !ok {
		return fmt.Errorf("offer %d: %w", id, shared.ErrNotFound)
	}
	delete(r.state.offers, id)
	for itemID, li := range r.state.items {
		if li.OfferID == id {
			delete(r.state.items, itemID)
		}
	}
	return nil
}

func (tx *memoryTx) InsertLineItem(ctx context.Context, li *LineItem) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.state.items {
		if existing.OfferID == li.OfferID && existing.Position == li.Position {
			return fmt.Errorf("line item position %d: %w", li.Position, shared.ErrConflict)
		}
	}
	r.state.nextID++
	li.ID = r.state.nextID
	r.state.items[li.ID] = cloneLineItem(*li)
	return nil
}

func (tx *memoryTx) UpdateLineItem(ctx context.Context, li *LineItem) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.state.items[li.ID]; !ok {
		return fmt.Errorf("line item %d: %w", li.ID, shared.ErrNotFound)
	}
	r.state.items[li.ID] = cloneLineItem(*li)
	return nil
}

func (tx *memoryTx) UpdateLineTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	li, ok := r.state.items[id]
	if !ok {
		return fmt.Errorf("line item %d: %w", id, shared.ErrNotFound)
	}
	li.LineTotal = total
	r.state.items[id] = li
	return nil
}

func (tx *memoryTx) InsertDocument(ctx context.Context, doc *Document) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	doc.CreatedAt = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	r.state.docs[doc.ID] = *doc
	return nil
}

func (tx *memoryTx) MarkPDFGenerated(ctx context.Context, offerID int64, documentID uuid.UUID, at time.Time) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.offers[offerID]
	if !ok {
		return fmt.Errorf("offer %d: %w", offerID, shared.ErrNotFound)
	}
	o.PDFGenerated = true
	o.PDFDocumentID = &documentID
	o.PDFGeneratedAt = &at
	r.state.offers[offerID] = o
	return nil
}

func (r *memoryRepo) offerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.offers)
}

type inquiryStub map[int64]*inquiries.Inquiry

func (s inquiryStub) GetInquiry(ctx context.Context, id int64) (*inquiries.Inquiry, error) {
	inq, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("inquiry %d: %w", id, shared.ErrNotFound)
	}
	return inq, nil
}

type auditRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if log.Actor == "" {
		log.Actor = shared.ActorFromContext(ctx)
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	for i, l := range a.logs {
		out[i] = l.Action
	}
	return out
}

type metricsRecorder struct {
	mu     sync.Mutex
	ops    map[string]int
	failed map[string]int
}

func (m *metricsRecorder) ObserveOfferOperation(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ops == nil {
		m.ops = make(map[string]int)
		m.failed = make(map[string]int)
	}
	m.ops[operation]++
	if err != nil {
		m.failed[operation]++
	}
}
