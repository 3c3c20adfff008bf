// Package memory is an in-process ledger server and client, used for tests
// and for running the client without a network.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"coppia/internal/backend"
	"coppia/internal/core"
	"coppia/internal/ledger"
)

const subscriberBuffer = 1024

var (
	errUnreachable  = errors.New("memory server unreachable")
	errReplyDropped = errors.New("reply lost in transit")
)

// Server holds the shared ledger state that every Client talks to.
type Server struct {
	mu         sync.Mutex
	households map[string]core.Household
	records    map[string]core.LedgerRecord
	applied    map[string]int64
	applyOrder []string
	changes    []core.LiveUpdate
	seq        int64
	subs       map[int]*subscriber
	nextSub    int

	unreachable  bool
	failNext     int
	throttleNext int
	retryAfter   time.Duration
	dropReplies  int

	// AfterApply, when set, runs after each newly applied token with the
	// lock released.
	AfterApply func(token string)
}

type subscriber struct {
	scope string
	ch    chan core.LiveUpdate
}

func NewServer() *Server {
	return &Server{
		households: make(map[string]core.Household),
		records:    make(map[string]core.LedgerRecord),
		applied:    make(map[string]int64),
		subs:       make(map[int]*subscriber),
	}
}

// SeedHousehold creates a household owned by primary and, when secondary is
// not empty, already paired.
func (s *Server) SeedHousehold(primary, secondary string) core.Household {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	h := core.Household{ID: uuid.NewString(), PrimaryUserID: primary, CreatedAt: now}
	if secondary != "" {
		h.SecondaryUserID = secondary
		h.PairedAt = now
	}
	s.households[h.ID] = h
	return h
}

// Client returns a backend acting as userID inside householdID.
func (s *Server) Client(householdID, userID string) *Client {
	return &Client{srv: s, householdID: householdID, userID: userID}
}

// SetReachable toggles whether calls reach the server at all.
func (s *Server) SetReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = !ok
}

// FailNext makes the next n apply calls fail with a transient error before
// reaching the ledger.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// ThrottleNext makes the next n apply calls answer as a rate-limited server
// that asks the caller to wait retryAfter.
func (s *Server) ThrottleNext(n int, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttleNext = n
	s.retryAfter = retryAfter
}

// DropReplies makes the next n apply calls succeed server side while the
// caller sees a transient error, as when a response is lost.
func (s *Server) DropReplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReplies = n
}

// Disconnect closes every live stream.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.subs {
		s.closeSub(id)
	}
}

// AppliedTokens returns the tokens applied so far, in apply order.
func (s *Server) AppliedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applyOrder...)
}

// Records returns the live records of a household.
func (s *Server) Records(householdID string) []core.LedgerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LedgerRecord
	for _, r := range s.records {
		if r.HouseholdID == householdID {
			out = append(out, r)
		}
	}
	return out
}

// Subscribers returns the number of open live streams.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) apply(householdID, userID, token string, kind core.OperationKind, payload json.RawMessage) (backend.ApplyResult, error) {
	s.mu.Lock()

	if s.unreachable {
		s.mu.Unlock()
		return backend.ApplyResult{}, core.Transient(errUnreachable)
	}
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return backend.ApplyResult{}, core.Transient(errUnreachable)
	}
	if s.throttleNext > 0 {
		s.throttleNext--
		wait := s.retryAfter
		s.mu.Unlock()
		return backend.ApplyResult{}, &core.ThrottledError{RetryAfter: wait}
	}

	if _, ok := s.applied[token]; ok {
		s.mu.Unlock()
		return backend.ApplyResult{Status: backend.StatusAlreadyApplied}, nil
	}

	h, ok := s.households[householdID]
	if !ok || !h.HasMember(userID) {
		s.mu.Unlock()
		return backend.ApplyResult{Status: backend.StatusRejected, Reason: "not a member of the household"}, nil
	}

	m, err := ledger.PrepareMutation(token, kind, payload)
	if err != nil {
		s.mu.Unlock()
		var rej *core.RejectedError
		if errors.As(err, &rej) {
			return backend.ApplyResult{Status: backend.StatusRejected, Reason: rej.Reason}, nil
		}
		return backend.ApplyResult{}, err
	}

	u := core.LiveUpdate{RecordID: m.RecordID, Token: token}
	now := time.Now().UTC()
	if m.IsDelete() {
		r, ok := s.records[m.RecordID]
		if !ok || r.HouseholdID != householdID {
			s.mu.Unlock()
			return backend.ApplyResult{Status: backend.StatusRejected, Reason: fmt.Sprintf("record %s not found", m.RecordID)}, nil
		}
		delete(s.records, m.RecordID)
		r.UpdatedAt = now
		u.Change = core.ChangeDelete
		u.Record = r
	} else {
		r := core.LedgerRecord{
			ID:          m.RecordID,
			HouseholdID: householdID,
			Kind:        m.RecordKind,
			CreatedBy:   userID,
			Data:        m.Data,
			UpdatedAt:   now,
		}
		s.records[r.ID] = r
		u.Change = core.ChangeUpsert
		u.Record = r
	}

	s.seq++
	u.Seq = s.seq
	s.applied[token] = u.Seq
	s.applyOrder = append(s.applyOrder, token)
	s.changes = append(s.changes, u)
	s.broadcast(householdID, u)

	dropped := false
	if s.dropReplies > 0 {
		s.dropReplies--
		dropped = true
	}
	hook := s.AfterApply
	s.mu.Unlock()

	if hook != nil {
		hook(token)
	}
	if dropped {
		return backend.ApplyResult{}, core.Transient(errReplyDropped)
	}
	return backend.ApplyResult{Status: backend.StatusApplied}, nil
}

// broadcast must be called with mu held. Slow subscribers are closed and
// catch up by resubscribing.
func (s *Server) broadcast(scope string, u core.LiveUpdate) {
	for id, sub := range s.subs {
		if sub.scope != scope {
			continue
		}
		select {
		case sub.ch <- u:
		default:
			s.closeSub(id)
		}
	}
}

// closeSub must be called with mu held.
func (s *Server) closeSub(id int) {
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
	}
}

func (s *Server) subscribe(ctx context.Context, scope string, since int64) (<-chan core.LiveUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unreachable {
		return nil, core.Transient(errUnreachable)
	}

	var backlog []core.LiveUpdate
	for _, u := range s.changes {
		if u.Seq > since && u.Record.HouseholdID == scope {
			backlog = append(backlog, u)
		}
	}

	ch := make(chan core.LiveUpdate, subscriberBuffer+len(backlog))
	for _, u := range backlog {
		ch <- u
	}

	s.nextSub++
	id := s.nextSub
	s.subs[id] = &subscriber{scope: scope, ch: ch}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeSub(id)
	}()

	return ch, nil
}

func (s *Server) createHousehold(primaryUserID string) (core.Household, error) {
	s.mu.Lock()
	unreachable := s.unreachable
	s.mu.Unlock()
	if unreachable {
		return core.Household{}, core.Transient(errUnreachable)
	}
	return s.SeedHousehold(primaryUserID, ""), nil
}

func (s *Server) getHousehold(id string) (core.Household, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return core.Household{}, core.Transient(errUnreachable)
	}
	h, ok := s.households[id]
	if !ok {
		return core.Household{}, core.ErrHouseholdNotFound
	}
	return h, nil
}

// conditionalJoin checks and writes under one lock hold.
func (s *Server) conditionalJoin(householdID, userID string) (core.JoinOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unreachable {
		return "", core.Transient(errUnreachable)
	}
	h, ok := s.households[householdID]
	switch {
	case !ok:
		return core.JoinNotFound, nil
	case h.PrimaryUserID == userID:
		return core.JoinSelfJoinRejected, nil
	case h.IsPaired():
		return core.JoinAlreadyPaired, nil
	}

	h.SecondaryUserID = userID
	h.PairedAt = time.Now().UTC()
	s.households[householdID] = h
	return core.JoinJoined, nil
}

// Client is one user's view of a Server.
type Client struct {
	srv         *Server
	householdID string
	userID      string
}

var _ backend.Backend = (*Client)(nil)

func (c *Client) ApplyIdempotent(ctx context.Context, token string, kind core.OperationKind, payload json.RawMessage) (backend.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return backend.ApplyResult{}, core.Transient(err)
	}
	return c.srv.apply(c.householdID, c.userID, token, kind, payload)
}

func (c *Client) SubscribeLiveUpdates(ctx context.Context, scope string, sinceSeq int64) (<-chan core.LiveUpdate, error) {
	return c.srv.subscribe(ctx, scope, sinceSeq)
}

func (c *Client) ConditionalJoinHousehold(_ context.Context, householdID, userID string) (core.JoinOutcome, error) {
	return c.srv.conditionalJoin(householdID, userID)
}

func (c *Client) CreateHousehold(_ context.Context, primaryUserID string) (core.Household, error) {
	return c.srv.createHousehold(primaryUserID)
}

func (c *Client) GetHousehold(_ context.Context, householdID string) (core.Household, error) {
	return c.srv.getHousehold(householdID)
}

func (c *Client) Ping(context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.unreachable {
		return core.Transient(errUnreachable)
	}
	return nil
}
