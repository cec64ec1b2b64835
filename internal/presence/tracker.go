// Package presence derives online/offline state from the session registry and
// pushes user-status events to every connection of the user's chat partners.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/metrics"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
)

// lookupTimeout bounds partner lookups made while broadcasting.
const lookupTimeout = 5 * time.Second

// Sessions is the part of the session registry the tracker reads.
type Sessions interface {
	IsActive(userID string) bool
	Connections(userID string) []*session.Connection
}

// Partners resolves the users who share a chat with userID.
type Partners interface {
	PartnersOf(ctx context.Context, userID string) ([]string, error)
}

// Mirror stores presence outside the process. All methods may fail; the
// tracker logs and carries on.
type Mirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// Status is a user's derived presence.
type Status struct {
	UserID   string
	IsOnline bool
	LastSeen *time.Time
}

// userState serializes broadcasts for one user and remembers the last one
// sent, so an older transition that loses a race is dropped.
type userState struct {
	mu       sync.Mutex
	lastSeen time.Time
	seenSeq  uint64 // seq that set lastSeen

	sendMu  sync.Mutex
	sentSeq uint64 // seq of the last broadcast
}

// Tracker consumes registry transitions and broadcasts presence changes.
type Tracker struct {
	sessions Sessions
	partners Partners
	mirror   Mirror

	users *shard.Map[*userState]
	wg    sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMirror mirrors presence into m.
func WithMirror(m Mirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

// New creates a Tracker. Register HandleTransition with the session registry
// to feed it.
func New(sessions Sessions, partners Partners, opts ...Option) *Tracker {
	t := &Tracker{
		sessions: sessions,
		partners: partners,
		users:    shard.New[*userState](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) state(userID string) *userState {
	st, _ := t.users.LoadOrStore(userID, func() *userState { return &userState{} })
	return st
}

// HandleTransition records the transition and schedules its broadcast. It
// never blocks on network I/O.
func (t *Tracker) HandleTransition(tr session.Transition) {
	if !tr.Online {
		st := t.state(tr.UserID)
		st.mu.Lock()
		if tr.Seq > st.seenSeq {
			st.lastSeen = tr.At.UTC()
			st.seenSeq = tr.Seq
		}
		st.mu.Unlock()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.broadcast(tr)
	}()
}

func (t *Tracker) broadcast(tr session.Transition) {
	logger := log.WithComponent("presence")
	st := t.state(tr.UserID)

	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	// A newer transition was already broadcast, or the registry has moved on
	// and the transition that moved it will broadcast the current state.
	if tr.Seq <= st.sentSeq || t.sessions.IsActive(tr.UserID) != tr.Online {
		metrics.PresenceBroadcasts.WithLabelValues("skipped").Inc()
		return
	}
	st.sentSeq = tr.Seq

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	if t.mirror != nil {
		var err error
		if tr.Online {
			err = t.mirror.SetOnline(ctx, tr.UserID)
		} else {
			err = t.mirror.SetOffline(ctx, tr.UserID, tr.At)
		}
		if err != nil {
			logger.Warn().Err(err).Str("user_id", tr.UserID).Msg("presence mirror update failed")
		}
	}

	msg := protocol.UserStatusMsg{UserID: tr.UserID, IsOnline: tr.Online}
	if !tr.Online {
		at := tr.At.UTC()
		msg.LastSeen = &at
	}
	data := protocol.MustServerMessage(protocol.TypeUserStatus, msg)

	partners, err := t.partners.PartnersOf(ctx, tr.UserID)
	if err != nil {
		logger.Error().Err(err).Str("user_id", tr.UserID).Msg("partner lookup failed, presence not broadcast")
		return
	}

	sent := 0
	for _, partnerID := range partners {
		for _, c := range t.sessions.Connections(partnerID) {
			if err := c.Send(data); err != nil {
				logger.Debug().Err(err).Str("conn_id", c.ID).Msg("user-status not delivered")
				continue
			}
			sent++
		}
	}
	metrics.PresenceBroadcasts.WithLabelValues("sent").Inc()
	metrics.EventsTotal.WithLabelValues(protocol.TypeUserStatus).Add(float64(sent))

	logger.Debug().
		Str("user_id", tr.UserID).
		Bool("online", tr.Online).
		Int("partners", len(partners)).
		Int("connections", sent).
		Msg("presence broadcast")
}

// IsOnline reports whether userID has at least one live connection.
func (t *Tracker) IsOnline(userID string) bool {
	return t.sessions.IsActive(userID)
}

// LastSeen returns when userID's last connection closed. Users that have
// not gone offline since the process started fall back to the mirror.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	if st, ok := t.users.Load(userID); ok {
		st.mu.Lock()
		at := st.lastSeen
		st.mu.Unlock()
		if !at.IsZero() {
			return at, true
		}
	}
	if t.mirror == nil {
		return time.Time{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	at, ok, err := t.mirror.LastSeen(ctx, userID)
	if err != nil {
		logger := log.WithComponent("presence")
		logger.Warn().Err(err).Str("user_id", userID).Msg("presence mirror read failed")
		return time.Time{}, false
	}
	return at, ok
}

// Status returns userID's presence. LastSeen is only set while offline.
func (t *Tracker) Status(userID string) Status {
	s := Status{UserID: userID, IsOnline: t.IsOnline(userID)}
	if !s.IsOnline {
		if at, ok := t.LastSeen(userID); ok {
			s.LastSeen = &at
		}
	}
	return s
}

// Wait blocks until every scheduled broadcast has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
