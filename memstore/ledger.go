package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"contractflow/db"
	"contractflow/escrow"
	"contractflow/milestone"
)

// Escrow returns the escrow.Store view of s.
func (s *Store) Escrow() escrow.Store { return escrowRepo{s} }

// Schedule returns the milestone.Store view of s.
func (s *Store) Schedule() milestone.Store { return scheduleRepo{s} }

type escrowRepo struct{ s *Store }

func (r escrowRepo) ClaimKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}
	st, err := r.s.write(tx, "escrow.ClaimKey")
	if err != nil {
		return err
	}
	if _, ok := st.keys[key]; ok {
		return escrow.ErrDuplicateIdempotencyKey
	}
	st.keys[key] = struct{}{}
	return nil
}

func (r escrowRepo) InsertAccount(ctx context.Context, tx pgx.Tx, a escrow.Account) error {
	st, err := r.s.write(tx, "escrow.InsertAccount")
	if err != nil {
		return err
	}
	if _, ok := st.accounts[a.ID]; ok {
		return fmt.Errorf("escrow: insert account: duplicate id %s", a.ID)
	}
	for _, existing := range st.accounts {
		if existing.ContractID == a.ContractID {
			return fmt.Errorf("escrow: insert account: contract %s already has an account", a.ContractID)
		}
	}
	if err := checkBalances(a); err != nil {
		return err
	}
	st.accounts[a.ID] = a
	return nil
}

// checkBalances mirrors the table's CHECK constraints.
func checkBalances(a escrow.Account) error {
	if a.Held < 0 || a.Released < 0 || a.Refunded < 0 {
		return fmt.Errorf("escrow: account %s has a negative bucket", a.ID)
	}
	if a.Held+a.Released+a.Refunded != a.Total {
		return fmt.Errorf("escrow: account %s violates escrow_conservation", a.ID)
	}
	return nil
}

func (r escrowRepo) GetAccount(ctx context.Context, q db.Querier, id string) (escrow.Account, error) {
	st, done := r.s.read(q)
	defer done()
	a, ok := st.accounts[id]
	if !ok {
		return escrow.Account{}, escrow.ErrAccountNotFound
	}
	return a, nil
}

func (r escrowRepo) GetAccountByContract(ctx context.Context, q db.Querier, contractID string) (escrow.Account, error) {
	st, done := r.s.read(q)
	defer done()
	for _, a := range st.accounts {
		if a.ContractID == contractID {
			return a, nil
		}
	}
	return escrow.Account{}, escrow.ErrAccountNotFound
}

func (r escrowRepo) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Account, error) {
	st, err := r.s.write(tx, "escrow.GetAccountForUpdate")
	if err != nil {
		return escrow.Account{}, err
	}
	a, ok := st.accounts[id]
	if !ok {
		return escrow.Account{}, escrow.ErrAccountNotFound
	}
	return a, nil
}

func (r escrowRepo) UpdateAccount(ctx context.Context, tx pgx.Tx, a escrow.Account) (escrow.Account, error) {
	st, err := r.s.write(tx, "escrow.UpdateAccount")
	if err != nil {
		return escrow.Account{}, err
	}
	cur, ok := st.accounts[a.ID]
	if !ok || cur.Version != a.Version {
		return escrow.Account{}, escrow.ErrStaleAccount
	}
	if err := checkBalances(a); err != nil {
		return escrow.Account{}, err
	}
	cur.Total = a.Total
	cur.Held = a.Held
	cur.Released = a.Released
	cur.Refunded = a.Refunded
	cur.Status = a.Status
	cur.UpdatedAt = a.UpdatedAt
	cur.Version++
	st.accounts[a.ID] = cur
	return cur, nil
}

func (r escrowRepo) InsertPayment(ctx context.Context, tx pgx.Tx, p escrow.PaymentRecord) error {
	st, err := r.s.write(tx, "escrow.InsertPayment")
	if err != nil {
		return err
	}
	for _, existing := range st.payments {
		if existing.ID == p.ID {
			return fmt.Errorf("escrow: insert payment record: duplicate id %s", p.ID)
		}
		if p.Status == escrow.PaymentCompleted && existing.Status == escrow.PaymentCompleted &&
			existing.IdempotencyKey == p.IdempotencyKey && existing.Type == p.Type {
			return escrow.ErrDuplicateIdempotencyKey
		}
	}
	st.payments = append(st.payments, p)
	return nil
}

func (r escrowRepo) filterPayments(q db.Querier, keep func(escrow.PaymentRecord) bool) []escrow.PaymentRecord {
	st, done := r.s.read(q)
	defer done()
	var out []escrow.PaymentRecord
	for _, p := range st.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b escrow.PaymentRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (r escrowRepo) PaymentsByKey(ctx context.Context, q db.Querier, key string) ([]escrow.PaymentRecord, error) {
	return r.filterPayments(q, func(p escrow.PaymentRecord) bool {
		return p.IdempotencyKey == key && p.Status == escrow.PaymentCompleted
	}), nil
}

func (r escrowRepo) ListPayments(ctx context.Context, q db.Querier, accountID string) ([]escrow.PaymentRecord, error) {
	return r.filterPayments(q, func(p escrow.PaymentRecord) bool { return p.EscrowAccountID == accountID }), nil
}

func (r escrowRepo) ListContractPayments(ctx context.Context, q db.Querier, contractID string) ([]escrow.PaymentRecord, error) {
	return r.filterPayments(q, func(p escrow.PaymentRecord) bool { return p.ContractID == contractID }), nil
}

type scheduleRepo struct{ s *Store }

func (r scheduleRepo) InsertMilestones(ctx context.Context, tx pgx.Tx, ms []milestone.Milestone) error {
	st, err := r.s.write(tx, "milestone.InsertMilestones")
	if err != nil {
		return err
	}
	for _, m := range ms {
		if _, ok := st.milestones[m.ID]; ok {
			return fmt.Errorf("milestone: insert milestone: duplicate id %s", m.ID)
		}
		if m.TargetAmount <= 0 {
			return fmt.Errorf("milestone: milestone %s has non-positive target", m.ID)
		}
		st.milestones[m.ID] = m
	}
	return nil
}

func (r scheduleRepo) InsertEntries(ctx context.Context, tx pgx.Tx, es []milestone.Entry) error {
	st, err := r.s.write(tx, "milestone.InsertEntries")
	if err != nil {
		return err
	}
	for _, e := range es {
		if e.Amount <= 0 {
			return fmt.Errorf("milestone: entry %s has non-positive amount", e.ID)
		}
		if _, ok := st.entries[e.ID]; ok {
			return fmt.Errorf("milestone: insert entry: duplicate id %s", e.ID)
		}
		st.entries[e.ID] = e
	}
	return nil
}

func (r scheduleRepo) AttachAccount(ctx context.Context, tx pgx.Tx, contractID, accountID string) error {
	st, err := r.s.write(tx, "milestone.AttachAccount")
	if err != nil {
		return err
	}
	for id, e := range st.entries {
		if e.ContractID == contractID {
			e.EscrowAccountID = accountID
			st.entries[id] = e
		}
	}
	return nil
}

func (r scheduleRepo) ListMilestones(ctx context.Context, q db.Querier, contractID string) ([]milestone.Milestone, error) {
	st, done := r.s.read(q)
	defer done()
	var out []milestone.Milestone
	for _, m := range st.milestones {
		if m.ContractID == contractID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b milestone.Milestone) int { return cmp.Compare(a.Position, b.Position) })
	return out, nil
}

func (r scheduleRepo) GetMilestone(ctx context.Context, q db.Querier, id string) (milestone.Milestone, error) {
	st, done := r.s.read(q)
	defer done()
	m, ok := st.milestones[id]
	if !ok {
		return milestone.Milestone{}, milestone.ErrMilestoneNotFound
	}
	return m, nil
}

func (r scheduleRepo) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (milestone.Milestone, error) {
	st, err := r.s.write(tx, "milestone.GetMilestoneForUpdate")
	if err != nil {
		return milestone.Milestone{}, err
	}
	m, ok := st.milestones[id]
	if !ok {
		return milestone.Milestone{}, milestone.ErrMilestoneNotFound
	}
	return m, nil
}

func (r scheduleRepo) UpdateMilestone(ctx context.Context, tx pgx.Tx, m milestone.Milestone) error {
	st, err := r.s.write(tx, "milestone.UpdateMilestone")
	if err != nil {
		return err
	}
	cur, ok := st.milestones[m.ID]
	if !ok {
		return milestone.ErrMilestoneNotFound
	}
	cur.Status = m.Status
	cur.CompletionDate = m.CompletionDate
	cur.BlockedReason = m.BlockedReason
	cur.DueDate = m.DueDate
	cur.TargetAmount = m.TargetAmount
	st.milestones[m.ID] = cur
	return nil
}

func (r scheduleRepo) ListEntries(ctx context.Context, q db.Querier, contractID string) ([]milestone.Entry, error) {
	st, done := r.s.read(q)
	defer done()
	var out []milestone.Entry
	for _, e := range st.entries {
		if e.ContractID == contractID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b milestone.Entry) int { return cmp.Compare(a.Position, b.Position) })
	return out, nil
}

func (r scheduleRepo) GetEntry(ctx context.Context, q db.Querier, id string) (milestone.Entry, error) {
	st, done := r.s.read(q)
	defer done()
	e, ok := st.entries[id]
	if !ok {
		return milestone.Entry{}, milestone.ErrEntryNotFound
	}
	return e, nil
}

func (r scheduleRepo) GetEntryForUpdate(ctx context.Context, tx pgx.Tx, id string) (milestone.Entry, error) {
	st, err := r.s.write(tx, "milestone.GetEntryForUpdate")
	if err != nil {
		return milestone.Entry{}, err
	}
	e, ok := st.entries[id]
	if !ok {
		return milestone.Entry{}, milestone.ErrEntryNotFound
	}
	return e, nil
}

// UpdateEntry leaves RELEASED entries untouched, like the table trigger.
func (r scheduleRepo) UpdateEntry(ctx context.Context, tx pgx.Tx, e milestone.Entry) error {
	st, err := r.s.write(tx, "milestone.UpdateEntry")
	if err != nil {
		return err
	}
	cur, ok := st.entries[e.ID]
	if !ok || cur.Status == milestone.EntryReleased {
		return fmt.Errorf("milestone: entry %s missing or already released", e.ID)
	}
	if e.Amount <= 0 {
		return fmt.Errorf("milestone: entry %s has non-positive amount", e.ID)
	}
	cur.Status = e.Status
	cur.ReleaseDate = e.ReleaseDate
	cur.Reason = e.Reason
	cur.DueDate = e.DueDate
	cur.Amount = e.Amount
	if cur.EscrowAccountID == "" {
		cur.EscrowAccountID = e.EscrowAccountID
	}
	st.entries[e.ID] = cur
	return nil
}
