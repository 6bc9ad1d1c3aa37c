package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"contractflow/actor"
	"contractflow/apperr"
	"contractflow/completion"
	"contractflow/contract"
	"contractflow/dispute"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

type noteRequest struct {
	Note string `json:"note,omitempty"`
}

type approveRequest struct {
	Rating int `json:"rating"`
}

type rejectCompletionRequest struct {
	Reason        string   `json:"reason"`
	RequiredFixes []string `json:"required_fixes,omitempty"`
}

type mediateRequest struct {
	Notes string `json:"notes"`
}

type changeDecision struct {
	Contract contract.Contract    `json:"contract"`
	Change   contract.ChangeOrder `json:"change"`
}

type completionDispute struct {
	Completion completion.Completion `json:"completion"`
	Dispute    dispute.Record        `json:"dispute"`
}

// caller returns the authenticated actor or writes a 401.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (actor.Actor, bool) {
	a, ok := callerFrom(r.Context())
	if !ok {
		s.writeUnauthorized(w, r, "authentication required")
		return actor.Actor{}, false
	}
	return a, true
}

// visibleContract loads a contract the caller is a party to. Operators see
// every contract.
func (s *Server) visibleContract(ctx context.Context, contractID string, a actor.Actor) (contract.Contract, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if !a.IsOperator() && !c.IsParty(a) {
		return contract.Contract{}, apperr.New(apperr.CodeForbidden, "not a party to contract %s", contractID)
	}
	return c, nil
}

// readContract is the shared shape of the per-contract GET routes.
func readContract[T any](s *Server, w http.ResponseWriter, r *http.Request, load func(ctx context.Context, contractID string) (T, error)) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	contractID := chi.URLParam(r, "contractID")
	if _, err := s.visibleContract(r.Context(), contractID, a); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := load(r.Context(), contractID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func readContractList[T any](s *Server, w http.ResponseWriter, r *http.Request, load func(ctx context.Context, contractID string) ([]T, error)) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	contractID := chi.URLParam(r, "contractID")
	if _, err := s.visibleContract(r.Context(), contractID, a); err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := load(r.Context(), contractID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, items)
}

// Contracts

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var terms contract.BidTerms
	if err := decodeJSON(w, r, &terms); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.contracts.Create(r.Context(), terms, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	c, err := s.visibleContract(r.Context(), chi.URLParam(r, "contractID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleContractProgress(w http.ResponseWriter, r *http.Request) {
	readContract(s, w, r, s.contracts.Progress)
}

func (s *Server) handleContractAudit(w http.ResponseWriter, r *http.Request) {
	readContractList(s, w, r, s.contracts.AuditTrail)
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	readContractList(s, w, r, s.contracts.Changes)
}

func (s *Server) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	readContractList(s, w, r, s.milestones.Milestones)
}

func (s *Server) handleListSchedule(w http.ResponseWriter, r *http.Request) {
	readContractList(s, w, r, s.milestones.Entries)
}

func (s *Server) handleContractEscrow(w http.ResponseWriter, r *http.Request) {
	readContract(s, w, r, s.ledger.AccountForContract)
}

func (s *Server) handleListCompletions(w http.ResponseWriter, r *http.Request) {
	readContractList(s, w, r, s.completions.ListForContract)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	readContractList(s, w, r, s.disputes.ListForContract)
}

func (s *Server) handleOfferContract(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	c, err := s.contracts.Offer(r.Context(), chi.URLParam(r, "contractID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAcceptContract(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	res, err := s.contracts.Accept(r.Context(), chi.URLParam(r, "contractID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelContract(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.contracts.Cancel(r.Context(), chi.URLParam(r, "contractID"), body.Reason, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleProposeChange(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req contract.ChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := s.contracts.ProposeChange(r.Context(), chi.URLParam(r, "contractID"), req, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleAcceptChange(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	c, ch, err := s.contracts.AcceptChange(r.Context(), chi.URLParam(r, "contractID"), chi.URLParam(r, "changeID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changeDecision{Contract: c, Change: ch})
}

func (s *Server) handleRejectChange(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := s.contracts.RejectChange(r.Context(), chi.URLParam(r, "contractID"), chi.URLParam(r, "changeID"), body.Reason, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// Milestones and schedule

func (s *Server) handleStartMilestone(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	m, err := s.milestones.Start(r.Context(), chi.URLParam(r, "milestoneID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	m, err := s.milestones.MarkComplete(r.Context(), chi.URLParam(r, "milestoneID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleBlockMilestone(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.milestones.Block(r.Context(), chi.URLParam(r, "milestoneID"), body.Reason, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUnblockMilestone(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	m, err := s.milestones.Unblock(r.Context(), chi.URLParam(r, "milestoneID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleReleaseEntry(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body noteRequest
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.contracts.Release(r.Context(), chi.URLParam(r, "entryID"), body.Note, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Escrow

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	acc, err := s.ledger.Account(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.visibleContract(r.Context(), acc.ContractID, a); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleEscrowPayments(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	acc, err := s.ledger.Account(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.visibleContract(r.Context(), acc.ContractID, a); err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.ledger.History(r.Context(), acc.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, history)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req contract.RefundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.AccountID = chi.URLParam(r, "accountID")
	out, err := s.contracts.Refund(r.Context(), req, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Completions

func (s *Server) handleSubmitCompletion(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req completion.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.completions.Submit(r.Context(), chi.URLParam(r, "contractID"), req, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) visibleCompletion(ctx context.Context, completionID string, a actor.Actor) (completion.Completion, error) {
	c, err := s.completions.Get(ctx, completionID)
	if err != nil {
		return completion.Completion{}, err
	}
	if _, err := s.visibleContract(ctx, c.ContractID, a); err != nil {
		return completion.Completion{}, err
	}
	return c, nil
}

func (s *Server) handleGetCompletion(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	c, err := s.visibleCompletion(r.Context(), chi.URLParam(r, "completionID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCompletionWindow(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	c, err := s.visibleCompletion(r.Context(), chi.URLParam(r, "completionID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	win, err := s.completions.WindowStatus(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

func (s *Server) handleApproveCompletion(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body approveRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.completions.Approve(r.Context(), chi.URLParam(r, "completionID"), body.Rating, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRejectCompletion(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body rejectCompletionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.completions.Reject(r.Context(), chi.URLParam(r, "completionID"), body.Reason, body.RequiredFixes, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDisputeCompletion(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, rec, err := s.completions.InitiateDispute(r.Context(), chi.URLParam(r, "completionID"), body.Reason, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, completionDispute{Completion: c, Dispute: rec})
}

// Disputes

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.disputes.Open(r.Context(), chi.URLParam(r, "contractID"), body.Reason, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	rec, err := s.disputes.Get(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.visibleContract(r.Context(), rec.ContractID, a); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReviewDispute(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	rec, err := s.disputes.Review(r.Context(), chi.URLParam(r, "disputeID"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMediateDispute(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body mediateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.disputes.Mediate(r.Context(), chi.URLParam(r, "disputeID"), body.Notes, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	a, ok := s.caller(w, r)
	if !ok {
		return
	}
	var res dispute.Resolution
	if err := decodeJSON(w, r, &res); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.disputes.Resolve(r.Context(), chi.URLParam(r, "disputeID"), res, a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Reputation

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	p, err := s.reputation.Profile(r.Context(), chi.URLParam(r, "contractorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
