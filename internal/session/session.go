// Package session owns the state of one entered room: messages, presence and access.
// All mutation happens on the session's loop goroutine; views subscribe to snapshots of it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/service"
	"github.com/chatchat/internal/storage"
)

var ErrClosed = errors.New("session closed")

const (
	opQueueSize  = 64
	writeTimeout = 10 * time.Second
)

// State is what a room view renders. Slices are replaced, never modified in place,
// so a State received from Subscribe may be kept without copying.
type State struct {
	RoomID     string
	Messages   []model.ChatMessage
	Users      []model.ChatUser
	Loading    bool
	Authorized bool
	Err        error
	Version    uint64
}

// ErrMessage returns Err as text, or "" when there is none.
func (s State) ErrMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Services is what a Session drives.
type Services struct {
	Messages *service.MessageSynchronizer
	Sender   *service.MessageSender
	Presence *service.PresenceTracker
	Probe    *service.AuthorizationProbe
}

type subscriber struct {
	ch chan State
}

type Session struct {
	roomID string
	svc    Services

	ops  chan func()
	quit chan struct{} // closed when the loop stops taking ops
	done chan struct{} // closed after the queue is drained and subscribers are closed

	postMu   sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	// owned by the loop goroutine
	state State
	subs  map[*subscriber]struct{}

	// attachMu guards the listeners and the presence announcements.
	attachMu  sync.Mutex
	msgSub    service.Subscription
	listening bool
	userSub   service.Subscription
	joining   map[chan struct{}]struct{} // joins started before Close
	joined    map[string]struct{}        // nil once Close has taken them
	closed    bool

	cancel    context.CancelFunc
	ready     <-chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func New(roomID string, svc Services) *Session {
	ready := make(chan struct{})
	close(ready)
	return &Session{
		roomID: roomID,
		svc:    svc,
		ops:    make(chan func(), opQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  State{RoomID: roomID, Authorized: true},
		subs:   make(map[*subscriber]struct{}),
		joining: make(map[chan struct{}]struct{}),
		joined:  make(map[string]struct{}),
		ready:   ready,
	}
}

func (s *Session) RoomID() string { return s.roomID }

// Run processes state mutations until ctx is cancelled. Subscriber channels are closed on exit.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return
		case op := <-s.ops:
			op()
		}
	}
}

// stop refuses new ops, runs every op that was already accepted and closes all
// subscriber channels, including ones registered by those last ops.
func (s *Session) stop() {
	close(s.quit)
	s.postMu.Lock()
	s.stopped = true
	s.postMu.Unlock()
	s.inflight.Wait()
drain:
	for {
		select {
		case op := <-s.ops:
			op()
		default:
			break drain
		}
	}
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = nil
	close(s.done)
}

// post queues op for the loop; false if the session has stopped.
// An accepted op always runs, either on the loop or in stop.
func (s *Session) post(op func()) bool {
	s.postMu.Lock()
	if s.stopped {
		s.postMu.Unlock()
		return false
	}
	s.inflight.Add(1)
	s.postMu.Unlock()
	defer s.inflight.Done()
	select {
	case s.ops <- op:
		return true
	case <-s.quit:
		return false
	}
}

// mutate applies fn to the state on the loop and publishes the result.
func (s *Session) mutate(fn func(st *State)) {
	s.post(func() {
		fn(&s.state)
		s.state.Version++
		s.publish()
	})
}

// mutateWait is mutate that returns after the loop applied fn (or stopped).
func (s *Session) mutateWait(fn func(st *State)) {
	applied := make(chan struct{})
	if !s.post(func() {
		fn(&s.state)
		s.state.Version++
		s.publish()
		close(applied)
	}) {
		return
	}
	select {
	case <-applied:
	case <-s.done:
	}
}

func (s *Session) publish() {
	st := s.state
	for sub := range s.subs {
		deliver(sub.ch, st)
	}
}

// deliver replaces whatever is pending in ch with st. Only the loop sends, so this never blocks.
func deliver(ch chan State, st State) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// Subscribe returns a channel that always holds the latest State, starting with
// the current one, and a function that detaches it. The channel is closed on
// unsubscribe or when the session stops.
func (s *Session) Subscribe() (<-chan State, func()) {
	sub := &subscriber{ch: make(chan State, 1)}
	if !s.post(func() {
		if s.subs == nil {
			close(sub.ch)
			return
		}
		s.subs[sub] = struct{}{}
		deliver(sub.ch, s.state)
	}) {
		close(sub.ch)
		return sub.ch, func() {}
	}
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.post(func() {
				if _, ok := s.subs[sub]; ok {
					delete(s.subs, sub)
					close(sub.ch)
				}
			})
		})
	}
}

// State returns the current state as seen by the loop.
func (s *Session) State() (State, error) {
	reply := make(chan State, 1)
	if !s.post(func() { reply <- s.state }) {
		return State{}, ErrClosed
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return State{}, ErrClosed
	}
}

// Open starts the loop and attaches the room: access probe, message and presence
// listeners, and the presence announcement. Only attach failures are returned;
// everything else lands in State.
func (s *Session) Open(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.Run(loopCtx)

	s.mutate(func(st *State) {
		st.Loading = true
	})

	if _, err := s.attachMessages(false); err != nil {
		s.fail(err)
		return err
	}

	userSub, err := s.svc.Presence.Watch(s.roomID, s.onPresence)
	if err != nil {
		s.fail(err)
		return err
	}
	s.attachMu.Lock()
	s.userSub = userSub
	s.attachMu.Unlock()

	s.ready = s.Refresh(ctx)
	return nil
}

// Ready is closed once the access check and presence announcement started by Open have finished.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// attachMessages subscribes to the room's messages unless a listener is already live.
// With wait, the returned channel is closed once the first update of the new
// listener is in State; it is nil when nothing was attached.
func (s *Session) attachMessages(wait bool) (<-chan struct{}, error) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	if s.closed || s.listening {
		return nil, nil
	}
	var first chan struct{}
	if wait {
		first = make(chan struct{})
	}
	// set before Subscribe: a denied listener may fail before Subscribe returns
	s.listening = true
	sub, err := s.svc.Messages.Subscribe(s.roomID, s.messageHandler(first))
	if err != nil {
		s.listening = false
		return nil, err
	}
	s.msgSub = sub
	return first, nil
}

func (s *Session) messageHandler(first chan struct{}) func(service.MessageUpdate) {
	var once sync.Once
	return func(u service.MessageUpdate) {
		if u.Err != nil {
			s.attachMu.Lock()
			s.listening = false
			s.attachMu.Unlock()
		}
		apply := func(st *State) {
			st.Loading = false
			if u.Err != nil {
				st.Authorized = false
				st.Err = u.Err
				return
			}
			st.Messages = u.Messages
			st.Authorized = true
			st.Err = nil
		}
		if first == nil {
			s.mutate(apply)
			return
		}
		waited := false
		once.Do(func() {
			s.mutateWait(apply)
			close(first)
			waited = true
		})
		if !waited {
			s.mutate(apply)
		}
	}
}

func (s *Session) onPresence(u service.PresenceUpdate) {
	s.mutate(func(st *State) {
		if u.Err != nil {
			st.Err = u.Err
			return
		}
		st.Users = u.Users
	})
}

// fail records a store error. Only a permission denial revokes Authorized.
func (s *Session) fail(err error) {
	s.mutate(failure(err))
}

func (s *Session) failWait(err error) {
	s.mutateWait(failure(err))
}

func failure(err error) func(st *State) {
	return func(st *State) {
		st.Err = err
		if storage.IsPermissionDenied(err) {
			st.Authorized = false
		}
	}
}

// Send writes text to the room in the background; a failed write shows up in State.
func (s *Session) Send(ctx context.Context, text string) {
	s.svc.Sender.Send(ctx, s.roomID, text, s.fail)
}

// Refresh re-checks read access and re-announces presence in the background.
// When access is granted and the message listener has failed, a new listener is
// attached; the room reads as authorized only once it delivers.
// The returned channel is closed when both have finished and their results are in State.
func (s *Session) Refresh(ctx context.Context) <-chan struct{} {
	base := context.WithoutCancel(ctx)
	s.attachMu.Lock()
	var joinDone chan struct{}
	if !s.closed {
		joinDone = make(chan struct{})
		s.joining[joinDone] = struct{}{}
	}
	s.attachMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pctx, cancel := context.WithTimeout(base, writeTimeout)
		defer cancel()
		s.recheckAccess(pctx)
	}()
	go func() {
		defer wg.Done()
		if joinDone == nil {
			return
		}
		defer func() {
			s.attachMu.Lock()
			delete(s.joining, joinDone)
			s.attachMu.Unlock()
			close(joinDone)
		}()
		jctx, cancel := context.WithTimeout(base, writeTimeout)
		defer cancel()
		s.join(jctx)
	}()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (s *Session) recheckAccess(ctx context.Context) {
	ok, err := s.svc.Probe.CheckAccess(ctx, s.roomID)
	if !ok {
		s.mutateWait(func(st *State) {
			st.Authorized = false
			st.Err = err
		})
		return
	}
	first, err := s.attachMessages(true)
	if err != nil {
		s.failWait(err)
		return
	}
	if first != nil {
		select {
		case <-first:
		case <-ctx.Done():
		}
		return
	}
	s.mutateWait(func(st *State) {
		st.Authorized = true
		// only the access error is answered by the check; send and presence errors stay
		if storage.IsPermissionDenied(st.Err) {
			st.Err = nil
		}
	})
}

// join announces presence and remembers the uid so Close marks that user offline,
// whoever is signed in by then.
func (s *Session) join(ctx context.Context) {
	uid, err := s.svc.Presence.Join(ctx, s.roomID)
	if err != nil {
		logger.Errorf("join %s: %v", s.roomID, err)
		s.failWait(err)
		return
	}
	if uid == "" {
		return
	}
	s.attachMu.Lock()
	taken := s.joined == nil
	if !taken {
		s.joined[uid] = struct{}{}
	}
	s.attachMu.Unlock()
	if taken {
		// Close stopped waiting for this join; undo the late announcement
		if err := s.svc.Presence.Leave(ctx, s.roomID, uid); err != nil {
			logger.Errorf("leave %s: %v", s.roomID, err)
		}
	}
}

// Close detaches the listeners, marks the joined user offline and stops the loop.
// It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.attachMu.Lock()
		s.closed = true
		pending := make([]chan struct{}, 0, len(s.joining))
		for ch := range s.joining {
			pending = append(pending, ch)
		}
		s.attachMu.Unlock()
		// a join in flight must be recorded before its uid can be left
		for _, ch := range pending {
			select {
			case <-ch:
			case <-ctx.Done():
			}
		}

		s.attachMu.Lock()
		msgSub, userSub := s.msgSub, s.userSub
		uids := make([]string, 0, len(s.joined))
		for uid := range s.joined {
			uids = append(uids, uid)
		}
		s.joined = nil
		s.attachMu.Unlock()

		if msgSub != nil {
			msgSub.Cancel()
		}
		if userSub != nil {
			userSub.Cancel()
		}
		for _, uid := range uids {
			if err := s.svc.Presence.Leave(ctx, s.roomID, uid); err != nil {
				logger.Errorf("leave %s: %v", s.roomID, err)
				s.closeErr = err
			}
		}
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
	return s.closeErr
}

// Done is closed when the loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }
