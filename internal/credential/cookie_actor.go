package credential

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/errors"
)

// CookieStore is the slice of the storage layer the cookie actor writes to.
type CookieStore interface {
	PersistCookie(ctx context.Context, c Cookie) error
	DeleteCookie(ctx context.Context, value string) error
	PersistWasted(ctx context.Context, w WastedCookie) error
}

// CookieStatus snapshots the cookie pool.
type CookieStatus struct {
	Valid     []Cookie       `json:"valid"`
	Exhausted []Cookie       `json:"exhausted"`
	Invalid   []WastedCookie `json:"invalid"`
}

type cookieMsg interface{ cookieMsg() }

type cookieRequest struct {
	reply chan cookieReply
}
type cookieReturn struct {
	cookie Cookie
	reason *Reason
}
type cookieSubmit struct {
	cookie Cookie
	reply  chan error
}
type cookieDelete struct {
	value string
	reply chan error
}
type cookieUpdate struct {
	cookie Cookie
}
type cookieReclassify struct {
	value  string
	reason *Reason
}
type cookieStatusReq struct {
	reply chan CookieStatus
}
type cookieStop struct{}

func (cookieRequest) cookieMsg()    {}
func (cookieReturn) cookieMsg()     {}
func (cookieSubmit) cookieMsg()     {}
func (cookieDelete) cookieMsg()     {}
func (cookieUpdate) cookieMsg()     {}
func (cookieReclassify) cookieMsg() {}
func (cookieStatusReq) cookieMsg()  {}
func (cookieStop) cookieMsg()       {}

type cookieReply struct {
	cookie Cookie
	err    error
}

// CookieActorOptions configures the cookie pool actor.
type CookieActorOptions struct {
	Mailbox int
	Store   CookieStore
	Now     func() time.Time
}

// CookieActor owns the web-cookie pool. Cookies cycle FIFO through the valid
// queue; rate-limited cookies sit in the exhausted bucket until their reset
// time; retired cookies land in the wasted set with their reason.
type CookieActor struct {
	opts    CookieActorOptions
	mailbox chan cookieMsg

	valid     []Cookie
	exhausted []Cookie
	wasted    []WastedCookie
}

// NewCookieActor starts the actor seeded with valid and wasted cookies.
func NewCookieActor(valid []Cookie, wasted []WastedCookie, opts CookieActorOptions) *CookieActor {
	if opts.Mailbox <= 0 {
		opts.Mailbox = DefaultMailbox
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &CookieActor{
		opts:    opts,
		mailbox: make(chan cookieMsg, opts.Mailbox),
		valid:   append([]Cookie(nil), valid...),
		wasted:  append([]WastedCookie(nil), wasted...),
	}
	go a.run()
	return a
}

func (a *CookieActor) run() {
	for msg := range a.mailbox {
		switch m := msg.(type) {
		case cookieRequest:
			m.reply <- a.dispatch()
		case cookieReturn:
			a.collect(m.cookie, m.reason)
		case cookieSubmit:
			m.reply <- a.accept(m.cookie)
		case cookieDelete:
			m.reply <- a.remove(m.value)
		case cookieUpdate:
			a.replace(m.cookie)
		case cookieReclassify:
			a.reclassify(m.value, m.reason)
		case cookieStatusReq:
			m.reply <- a.snapshot()
		case cookieStop:
			return
		}
	}
}

func (a *CookieActor) send(ctx context.Context, msg cookieMsg) error {
	select {
	case a.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request leases the front cookie and cycles a clone to the back.
func (a *CookieActor) Request(ctx context.Context) (Cookie, error) {
	ch := make(chan cookieReply, 1)
	if err := a.send(ctx, cookieRequest{reply: ch}); err != nil {
		return Cookie{}, err
	}
	select {
	case r := <-ch:
		return r.cookie, r.err
	case <-ctx.Done():
		return Cookie{}, ctx.Err()
	}
}

// Return hands a cookie back with an optional reclassification reason.
func (a *CookieActor) Return(ctx context.Context, c Cookie, reason *Reason) error {
	return a.send(ctx, cookieReturn{cookie: c, reason: reason})
}

// Submit appends a new cookie, rejecting duplicates across all buckets.
func (a *CookieActor) Submit(ctx context.Context, c Cookie) error {
	ch := make(chan error, 1)
	if err := a.send(ctx, cookieSubmit{cookie: c, reply: ch}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete removes a cookie from every bucket.
func (a *CookieActor) Delete(ctx context.Context, value string) error {
	ch := make(chan error, 1)
	if err := a.send(ctx, cookieDelete{value: value, reply: ch}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update replaces a cookie in place, used when learned flags or usage change
// without cycling the pool.
func (a *CookieActor) Update(ctx context.Context, c Cookie) error {
	return a.send(ctx, cookieUpdate{cookie: c})
}

// Reclassify moves a cookie identified by value into the state the reason
// implies. Used by the reconciler, which has no full cookie to return.
func (a *CookieActor) Reclassify(ctx context.Context, value string, reason *Reason) error {
	return a.send(ctx, cookieReclassify{value: value, reason: reason})
}

// GetStatus snapshots the three buckets.
func (a *CookieActor) GetStatus(ctx context.Context) (CookieStatus, error) {
	ch := make(chan CookieStatus, 1)
	if err := a.send(ctx, cookieStatusReq{reply: ch}); err != nil {
		return CookieStatus{}, err
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return CookieStatus{}, ctx.Err()
	}
}

// Stop terminates the actor goroutine.
func (a *CookieActor) Stop() {
	select {
	case a.mailbox <- cookieStop{}:
	default:
		go func() { a.mailbox <- cookieStop{} }()
	}
}

func (a *CookieActor) dispatch() cookieReply {
	a.promote()
	if len(a.valid) == 0 {
		return cookieReply{err: errors.ErrNoCredentialAvailable}
	}
	c := a.valid[0]
	a.valid = append(a.valid[1:], c.Clone())
	return cookieReply{cookie: c.Clone()}
}

func (a *CookieActor) promote() {
	now := a.opts.Now()
	kept := a.exhausted[:0]
	for _, c := range a.exhausted {
		if !c.Cooling(now) {
			c.ResetTime = nil
			a.valid = append(a.valid, c)
		} else {
			kept = append(kept, c)
		}
	}
	a.exhausted = kept
}

func (a *CookieActor) collect(c Cookie, reason *Reason) {
	switch {
	case reason == nil || reason.Kind == ReasonNormalPristine:
		if !a.replaceInPlace(c) {
			log.Warnf("cookie pool: returned cookie not found: %s", redactKey(c.Value))
			return
		}
		a.persistCookieAsync(c)
	case reason.Kind == ReasonTooManyRequests:
		a.removeActive(c.Value)
		reset := reason.ResetAt
		c.ResetTime = &reset
		a.exhausted = append(a.exhausted, c)
		log.Infof("cookie pool: %s exhausted until %d", redactKey(c.Value), reset)
		a.persistCookieAsync(c)
	case reason.Retires():
		a.removeActive(c.Value)
		w := WastedCookie{Value: c.Value, Reason: reason}
		a.wasted = append(a.wasted, w)
		log.Infof("cookie pool: retired %s (%s)", redactKey(c.Value), reason)
		a.persistWastedAsync(w)
	default:
		// Soft failure: keep rotating.
		if a.replaceInPlace(c) {
			a.persistCookieAsync(c)
		}
	}
}

func (a *CookieActor) reclassify(value string, reason *Reason) {
	c, ok := a.takeActive(value)
	if !ok {
		return
	}
	a.collect(c, reason)
}

func (a *CookieActor) accept(c Cookie) error {
	if a.contains(c.Value) {
		return &errors.BadRequestError{Msg: "cookie already exists"}
	}
	a.valid = append(a.valid, c)
	a.persistCookieAsync(c)
	return nil
}

func (a *CookieActor) remove(value string) error {
	found := a.removeActive(value)
	kept := a.wasted[:0]
	for _, w := range a.wasted {
		if w.Value == value {
			found = true
			continue
		}
		kept = append(kept, w)
	}
	a.wasted = kept
	if !found {
		return &errors.UnexpectedNoneError{Msg: "cookie not found"}
	}
	a.deleteAsync(value)
	return nil
}

func (a *CookieActor) replace(c Cookie) {
	if a.replaceInPlace(c) {
		a.persistCookieAsync(c)
		return
	}
	log.Warnf("cookie pool: update for unknown cookie %s", redactKey(c.Value))
}

func (a *CookieActor) snapshot() CookieStatus {
	s := CookieStatus{
		Valid:     make([]Cookie, 0, len(a.valid)),
		Exhausted: make([]Cookie, 0, len(a.exhausted)),
		Invalid:   append([]WastedCookie(nil), a.wasted...),
	}
	for _, c := range a.valid {
		s.Valid = append(s.Valid, c.Clone())
	}
	for _, c := range a.exhausted {
		s.Exhausted = append(s.Exhausted, c.Clone())
	}
	return s
}

func (a *CookieActor) contains(value string) bool {
	for _, c := range a.valid {
		if c.Value == value {
			return true
		}
	}
	for _, c := range a.exhausted {
		if c.Value == value {
			return true
		}
	}
	for _, w := range a.wasted {
		if w.Value == value {
			return true
		}
	}
	return false
}

func (a *CookieActor) replaceInPlace(c Cookie) bool {
	for i := range a.valid {
		if a.valid[i].Value == c.Value {
			a.valid[i] = c
			return true
		}
	}
	for i := range a.exhausted {
		if a.exhausted[i].Value == c.Value {
			a.exhausted[i] = c
			return true
		}
	}
	return false
}

func (a *CookieActor) removeActive(value string) bool {
	found := false
	kept := a.valid[:0]
	for _, c := range a.valid {
		if c.Value == value {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	a.valid = kept
	keptEx := a.exhausted[:0]
	for _, c := range a.exhausted {
		if c.Value == value {
			found = true
			continue
		}
		keptEx = append(keptEx, c)
	}
	a.exhausted = keptEx
	return found
}

func (a *CookieActor) takeActive(value string) (Cookie, bool) {
	for i, c := range a.valid {
		if c.Value == value {
			a.valid = append(a.valid[:i], a.valid[i+1:]...)
			return c, true
		}
	}
	for i, c := range a.exhausted {
		if c.Value == value {
			a.exhausted = append(a.exhausted[:i], a.exhausted[i+1:]...)
			return c, true
		}
	}
	return Cookie{}, false
}

func (a *CookieActor) persistCookieAsync(c Cookie) {
	if a.opts.Store == nil {
		return
	}
	store := a.opts.Store
	clone := c.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.PersistCookie(ctx, clone); err != nil {
			log.WithError(err).Warn("cookie pool: persist failed")
		}
	}()
}

func (a *CookieActor) persistWastedAsync(w WastedCookie) {
	if a.opts.Store == nil {
		return
	}
	store := a.opts.Store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.PersistWasted(ctx, w); err != nil {
			log.WithError(err).Warn("cookie pool: persist wasted failed")
			return
		}
		if err := store.DeleteCookie(ctx, w.Value); err != nil {
			log.WithError(err).Warn("cookie pool: delete after retire failed")
		}
	}()
}

func (a *CookieActor) deleteAsync(value string) {
	if a.opts.Store == nil {
		return
	}
	store := a.opts.Store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.DeleteCookie(ctx, value); err != nil {
			log.WithError(err).Warn("cookie pool: delete failed")
		}
	}()
}
