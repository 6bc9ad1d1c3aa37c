package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"contractflow/completion"
	"contractflow/contract"
	"contractflow/db"
	"contractflow/dispute"
	"contractflow/reputation"
)

func (s *Store) Contracts() contract.Store     { return contractRepo{s} }
func (s *Store) Completions() completion.Store { return completionRepo{s} }
func (s *Store) Disputes() dispute.Store       { return disputeRepo{s} }
func (s *Store) Ratings() reputation.Store     { return ratingRepo{s} }

type contractRepo struct{ s *Store }

func (r contractRepo) Insert(ctx context.Context, tx pgx.Tx, c contract.Contract) error {
	st, err := r.s.write(tx, "contract.Insert")
	if err != nil {
		return err
	}
	if _, ok := st.contracts[c.ID]; ok {
		return fmt.Errorf("contract: insert: duplicate id %s", c.ID)
	}
	for _, existing := range st.contracts {
		if existing.BidID == c.BidID {
			return contract.ErrDuplicateBid
		}
	}
	if c.TotalAmount <= 0 {
		return fmt.Errorf("contract: insert: non-positive total")
	}
	c.ScopeOfWork = slices.Clone(c.ScopeOfWork)
	st.contracts[c.ID] = c
	return nil
}

func (r contractRepo) Get(ctx context.Context, q db.Querier, id string) (contract.Contract, error) {
	st, done := r.s.read(q)
	defer done()
	c, ok := st.contracts[id]
	if !ok {
		return contract.Contract{}, contract.ErrContractNotFound
	}
	return c, nil
}

func (r contractRepo) GetByBid(ctx context.Context, q db.Querier, bidID string) (contract.Contract, error) {
	st, done := r.s.read(q)
	defer done()
	for _, c := range st.contracts {
		if c.BidID == bidID {
			return c, nil
		}
	}
	return contract.Contract{}, contract.ErrContractNotFound
}

func (r contractRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Contract, error) {
	st, err := r.s.write(tx, "contract.GetForUpdate")
	if err != nil {
		return contract.Contract{}, err
	}
	c, ok := st.contracts[id]
	if !ok {
		return contract.Contract{}, contract.ErrContractNotFound
	}
	return c, nil
}

func (r contractRepo) Update(ctx context.Context, tx pgx.Tx, c contract.Contract) (contract.Contract, error) {
	st, err := r.s.write(tx, "contract.Update")
	if err != nil {
		return contract.Contract{}, err
	}
	cur, ok := st.contracts[c.ID]
	if !ok || cur.Version != c.Version {
		return contract.Contract{}, contract.ErrStaleContract
	}
	cur.TotalAmount = c.TotalAmount
	cur.ScopeOfWork = slices.Clone(c.ScopeOfWork)
	cur.Status = c.Status
	cur.EstimatedEndDate = c.EstimatedEndDate
	cur.AcceptedAt = c.AcceptedAt
	cur.CompletedAt = c.CompletedAt
	cur.CancelledAt = c.CancelledAt
	cur.CancellationReason = c.CancellationReason
	cur.UpdatedAt = c.UpdatedAt
	cur.Version++
	st.contracts[c.ID] = cur
	return cur, nil
}

func (r contractRepo) InsertChange(ctx context.Context, tx pgx.Tx, ch contract.ChangeOrder) error {
	st, err := r.s.write(tx, "contract.InsertChange")
	if err != nil {
		return err
	}
	if _, ok := st.changes[ch.ID]; ok {
		return fmt.Errorf("contract: insert change: duplicate id %s", ch.ID)
	}
	ch.ScopeAdditions = slices.Clone(ch.ScopeAdditions)
	st.changes[ch.ID] = ch
	return nil
}

func (r contractRepo) GetChangeForUpdate(ctx context.Context, tx pgx.Tx, contractID, changeID string) (contract.ChangeOrder, error) {
	st, err := r.s.write(tx, "contract.GetChangeForUpdate")
	if err != nil {
		return contract.ChangeOrder{}, err
	}
	ch, ok := st.changes[changeID]
	if !ok || ch.ContractID != contractID {
		return contract.ChangeOrder{}, contract.ErrChangeNotFound
	}
	return ch, nil
}

func (r contractRepo) UpdateChange(ctx context.Context, tx pgx.Tx, ch contract.ChangeOrder) error {
	st, err := r.s.write(tx, "contract.UpdateChange")
	if err != nil {
		return err
	}
	cur, ok := st.changes[ch.ID]
	if !ok || cur.Status != contract.ChangeProposed {
		return fmt.Errorf("contract: change %s already resolved", ch.ID)
	}
	cur.Status = ch.Status
	cur.ResolutionNote = ch.ResolutionNote
	cur.ResolvedBy = ch.ResolvedBy
	cur.ResolvedAt = ch.ResolvedAt
	st.changes[ch.ID] = cur
	return nil
}

func (r contractRepo) ListChanges(ctx context.Context, q db.Querier, contractID string) ([]contract.ChangeOrder, error) {
	st, done := r.s.read(q)
	defer done()
	var out []contract.ChangeOrder
	for _, ch := range st.changes {
		if ch.ContractID == contractID {
			out = append(out, ch)
		}
	}
	slices.SortFunc(out, func(a, b contract.ChangeOrder) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

type completionRepo struct{ s *Store }

func (r completionRepo) Insert(ctx context.Context, tx pgx.Tx, c completion.Completion) error {
	st, err := r.s.write(tx, "completion.Insert")
	if err != nil {
		return err
	}
	if _, ok := st.completions[c.ID]; ok {
		return fmt.Errorf("completion: insert: duplicate id %s", c.ID)
	}
	if len(c.Evidence) == 0 {
		return fmt.Errorf("completion: insert: violates job_completions_evidence_present")
	}
	c.Evidence = slices.Clone(c.Evidence)
	c.RequiredFixes = nil
	c.Rating = nil
	c.RejectionReason = ""
	c.ResolvedAt = nil
	st.completions[c.ID] = c
	return nil
}

func (r completionRepo) Get(ctx context.Context, q db.Querier, id string) (completion.Completion, error) {
	st, done := r.s.read(q)
	defer done()
	c, ok := st.completions[id]
	if !ok {
		return completion.Completion{}, completion.ErrNotFound
	}
	return c, nil
}

func (r completionRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (completion.Completion, error) {
	st, err := r.s.write(tx, "completion.GetForUpdate")
	if err != nil {
		return completion.Completion{}, err
	}
	c, ok := st.completions[id]
	if !ok {
		return completion.Completion{}, completion.ErrNotFound
	}
	return c, nil
}

func (r completionRepo) Update(ctx context.Context, tx pgx.Tx, c completion.Completion) error {
	st, err := r.s.write(tx, "completion.Update")
	if err != nil {
		return err
	}
	cur, ok := st.completions[c.ID]
	if !ok {
		return completion.ErrNotFound
	}
	if c.Rating != nil && (*c.Rating < 1 || *c.Rating > 5) {
		return fmt.Errorf("completion: update: rating %d out of range", *c.Rating)
	}
	cur.Status = c.Status
	cur.PayoutStatus = c.PayoutStatus
	cur.Rating = c.Rating
	cur.RejectionReason = c.RejectionReason
	cur.RequiredFixes = slices.Clone(c.RequiredFixes)
	cur.ResolvedAt = c.ResolvedAt
	st.completions[c.ID] = cur
	return nil
}

func (r completionRepo) ListByContract(ctx context.Context, q db.Querier, contractID string) ([]completion.Completion, error) {
	st, done := r.s.read(q)
	defer done()
	var out []completion.Completion
	for _, c := range st.completions {
		if c.ContractID == contractID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b completion.Completion) int { return a.SubmittedAt.Compare(b.SubmittedAt) })
	return out, nil
}

type disputeRepo struct{ s *Store }

func (r disputeRepo) Insert(ctx context.Context, tx pgx.Tx, rec dispute.Record) error {
	st, err := r.s.write(tx, "dispute.Insert")
	if err != nil {
		return err
	}
	if _, ok := st.disputes[rec.ID]; ok {
		return fmt.Errorf("dispute: insert: duplicate id %s", rec.ID)
	}
	if rec.HeldAmount < 0 {
		return fmt.Errorf("dispute: insert: negative held amount")
	}
	st.disputes[rec.ID] = rec
	return nil
}

func (r disputeRepo) Get(ctx context.Context, q db.Querier, id string) (dispute.Record, error) {
	st, done := r.s.read(q)
	defer done()
	rec, ok := st.disputes[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	return rec, nil
}

func (r disputeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Record, error) {
	st, err := r.s.write(tx, "dispute.GetForUpdate")
	if err != nil {
		return dispute.Record{}, err
	}
	rec, ok := st.disputes[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	return rec, nil
}

// Update never touches a RESOLVED record.
func (r disputeRepo) Update(ctx context.Context, tx pgx.Tx, rec dispute.Record) error {
	st, err := r.s.write(tx, "dispute.Update")
	if err != nil {
		return err
	}
	cur, ok := st.disputes[rec.ID]
	if !ok || cur.Status == dispute.StatusResolved {
		return dispute.ErrNotFound
	}
	cur.Status = rec.Status
	cur.Decision = rec.Decision
	cur.ResolutionAmount = rec.ResolutionAmount
	cur.ResolutionNotes = rec.ResolutionNotes
	cur.ResolvedBy = rec.ResolvedBy
	cur.MediationNotes = rec.MediationNotes
	cur.ResolutionDate = rec.ResolutionDate
	cur.UpdatedAt = rec.UpdatedAt
	st.disputes[rec.ID] = cur
	return nil
}

func (r disputeRepo) ListByContract(ctx context.Context, q db.Querier, contractID string) ([]dispute.Record, error) {
	st, done := r.s.read(q)
	defer done()
	var out []dispute.Record
	for _, rec := range st.disputes {
		if rec.ContractID == contractID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b dispute.Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

type ratingRepo struct{ s *Store }

func (r ratingRepo) Insert(ctx context.Context, tx pgx.Tx, rating reputation.Rating) (bool, error) {
	st, err := r.s.write(tx, "reputation.Insert")
	if err != nil {
		return false, err
	}
	if _, ok := st.ratings[rating.CompletionID]; ok {
		return false, nil
	}
	st.ratings[rating.CompletionID] = rating
	return true, nil
}

func (r ratingRepo) Profile(ctx context.Context, q db.Querier, contractorID string) (reputation.Profile, error) {
	st, done := r.s.read(q)
	defer done()
	p := reputation.Profile{ContractorID: contractorID}
	sum := 0
	for _, rating := range st.ratings {
		if rating.ContractorID != contractorID {
			continue
		}
		p.Ratings++
		sum += rating.Score
		if p.LastRatedAt == nil || rating.CreatedAt.After(*p.LastRatedAt) {
			at := rating.CreatedAt
			p.LastRatedAt = &at
		}
	}
	if p.Ratings > 0 {
		p.Average = float64(sum) / float64(p.Ratings)
	}
	return p, nil
}
