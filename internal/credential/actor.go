package credential

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/errors"
)

// DefaultMailbox bounds each actor's message channel.
const DefaultMailbox = 64

// persistTimeout caps every fire-and-forget storage call spawned from a handler.
const persistTimeout = 5 * time.Second

// Entry is anything a pool actor can own.
type Entry interface {
	PrimaryKey() string
}

// Status is a point-in-time snapshot of one pool.
type Status[T Entry] struct {
	Valid     []T `json:"valid"`
	Exhausted []T `json:"exhausted"`
	Invalid   []T `json:"invalid"`
}

type poolMsg[T Entry] interface{ poolMsg() }

type msgRequest[T Entry] struct {
	reply chan reply[T]
}
type msgReturn[T Entry] struct {
	entry  T
	reason *Reason
}
type msgSubmit[T Entry] struct {
	entry T
	reply chan error
}
type msgDelete[T Entry] struct {
	key   string
	reply chan error
}
type msgUpdate[T Entry] struct {
	entry T
}
type msgRekey[T Entry] struct {
	oldKey string
	entry  T
}
type msgStatus[T Entry] struct {
	reply chan Status[T]
}
type msgForbidden[T Entry] struct {
	key string
}
type msgStop[T Entry] struct{}

func (msgRequest[T]) poolMsg()   {}
func (msgReturn[T]) poolMsg()    {}
func (msgSubmit[T]) poolMsg()    {}
func (msgDelete[T]) poolMsg()    {}
func (msgUpdate[T]) poolMsg()    {}
func (msgRekey[T]) poolMsg()     {}
func (msgStatus[T]) poolMsg()    {}
func (msgForbidden[T]) poolMsg() {}
func (msgStop[T]) poolMsg()      {}

type reply[T Entry] struct {
	entry T
	err   error
}

type cooled[T Entry] struct {
	entry   T
	resetAt int64
}

// PoolOptions configures a pool actor.
type PoolOptions[T Entry] struct {
	// Name labels log lines and persistence errors.
	Name string
	// Mailbox is the channel capacity; DefaultMailbox when zero.
	Mailbox int
	// Persist upserts one entry. Nil disables persistence.
	Persist func(context.Context, T) error
	// Remove deletes one entry by primary key. Nil disables persistence.
	Remove func(context.Context, string) error
	// Forbidden increments the entry's forbidden counter and reports the new
	// count. Nil pools ignore ReportForbidden.
	Forbidden func(*T) int64
	// ForbiddenThreshold retires an entry once its counter crosses it.
	ForbiddenThreshold int64
	// Now is a test seam; time.Now when nil.
	Now func() time.Time
}

// Pool is a serialized owner of one credential pool. All state transitions
// run on a single goroutine consuming a bounded mailbox; storage writes are
// spawned as detached tasks and never block the handler.
type Pool[T Entry] struct {
	opts    PoolOptions[T]
	mailbox chan poolMsg[T]

	valid     []T
	exhausted []cooled[T]
	invalid   []T
}

// NewPool starts the actor goroutine seeded with the given entries.
func NewPool[T Entry](initial []T, opts PoolOptions[T]) *Pool[T] {
	if opts.Mailbox <= 0 {
		opts.Mailbox = DefaultMailbox
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Pool[T]{
		opts:    opts,
		mailbox: make(chan poolMsg[T], opts.Mailbox),
		valid:   append([]T(nil), initial...),
	}
	go p.run()
	return p
}

func (p *Pool[T]) run() {
	for msg := range p.mailbox {
		switch m := msg.(type) {
		case msgRequest[T]:
			m.reply <- p.dispatch()
		case msgReturn[T]:
			p.collect(m.entry, m.reason)
		case msgSubmit[T]:
			m.reply <- p.accept(m.entry)
		case msgDelete[T]:
			m.reply <- p.remove(m.key)
		case msgUpdate[T]:
			p.replace(m.entry)
		case msgRekey[T]:
			p.rekey(m.oldKey, m.entry)
		case msgStatus[T]:
			m.reply <- p.snapshot()
		case msgForbidden[T]:
			p.forbidden(m.key)
		case msgStop[T]:
			return
		}
	}
}

func (p *Pool[T]) send(ctx context.Context, msg poolMsg[T]) error {
	select {
	case p.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request leases the front entry and cycles a copy to the back.
func (p *Pool[T]) Request(ctx context.Context) (T, error) {
	ch := make(chan reply[T], 1)
	var zero T
	if err := p.send(ctx, msgRequest[T]{reply: ch}); err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.entry, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Return hands an entry back, optionally with a reclassification reason.
func (p *Pool[T]) Return(ctx context.Context, entry T, reason *Reason) error {
	return p.send(ctx, msgReturn[T]{entry: entry, reason: reason})
}

// Submit appends a new entry, rejecting duplicates by primary key.
func (p *Pool[T]) Submit(ctx context.Context, entry T) error {
	ch := make(chan error, 1)
	if err := p.send(ctx, msgSubmit[T]{entry: entry, reply: ch}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete removes an entry from every bucket.
func (p *Pool[T]) Delete(ctx context.Context, key string) error {
	ch := make(chan error, 1)
	if err := p.send(ctx, msgDelete[T]{key: key, reply: ch}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update replaces an entry in place without cycling it.
func (p *Pool[T]) Update(ctx context.Context, entry T) error {
	return p.send(ctx, msgUpdate[T]{entry: entry})
}

// Replace swaps an entry whose primary key changed, such as a refreshed
// bearer token. The new entry takes the old one's bucket and position.
func (p *Pool[T]) Replace(ctx context.Context, oldKey string, entry T) error {
	return p.send(ctx, msgRekey[T]{oldKey: oldKey, entry: entry})
}

// GetStatus snapshots the three buckets.
func (p *Pool[T]) GetStatus(ctx context.Context) (Status[T], error) {
	ch := make(chan Status[T], 1)
	if err := p.send(ctx, msgStatus[T]{reply: ch}); err != nil {
		return Status[T]{}, err
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Status[T]{}, ctx.Err()
	}
}

// ReportForbidden bumps the forbidden counter for the keyed entry.
func (p *Pool[T]) ReportForbidden(ctx context.Context, key string) error {
	return p.send(ctx, msgForbidden[T]{key: key})
}

// Stop terminates the actor goroutine. Pending mailbox messages are dropped.
func (p *Pool[T]) Stop() {
	select {
	case p.mailbox <- msgStop[T]{}:
	default:
		go func() { p.mailbox <- msgStop[T]{} }()
	}
}

func (p *Pool[T]) dispatch() reply[T] {
	p.promote()
	if len(p.valid) == 0 {
		var zero T
		return reply[T]{entry: zero, err: errors.ErrNoCredentialAvailable}
	}
	entry := p.valid[0]
	p.valid = append(p.valid[1:], entry)
	return reply[T]{entry: entry}
}

// promote moves cooled-down entries back into rotation.
func (p *Pool[T]) promote() {
	now := p.opts.Now().Unix()
	kept := p.exhausted[:0]
	for _, c := range p.exhausted {
		if c.resetAt <= now {
			p.valid = append(p.valid, c.entry)
		} else {
			kept = append(kept, c)
		}
	}
	p.exhausted = kept
}

func (p *Pool[T]) collect(entry T, reason *Reason) {
	key := entry.PrimaryKey()
	switch {
	case reason == nil || reason.Kind == ReasonNormalPristine:
		if !p.replaceInPlace(entry) {
			log.Warnf("%s pool: returned entry not found: %s", p.opts.Name, redactKey(key))
			return
		}
		p.persistAsync(entry)
	case reason.Kind == ReasonTooManyRequests:
		p.removeFromBuckets(key)
		p.exhausted = append(p.exhausted, cooled[T]{entry: entry, resetAt: reason.ResetAt})
		p.persistAsync(entry)
	case reason.Retires():
		p.removeFromBuckets(key)
		p.invalid = append(p.invalid, entry)
		log.Infof("%s pool: retired %s (%s)", p.opts.Name, redactKey(key), reason)
		p.removeAsync(key)
	default:
		// Soft failure: keep rotating.
		if p.replaceInPlace(entry) {
			p.persistAsync(entry)
		}
	}
}

func (p *Pool[T]) accept(entry T) error {
	key := entry.PrimaryKey()
	if p.contains(key) {
		return &errors.BadRequestError{Msg: "credential already exists"}
	}
	p.valid = append(p.valid, entry)
	p.persistAsync(entry)
	return nil
}

func (p *Pool[T]) remove(key string) error {
	if !p.removeFromBuckets(key) {
		return &errors.UnexpectedNoneError{Msg: "credential not found"}
	}
	p.removeAsync(key)
	return nil
}

func (p *Pool[T]) replace(entry T) {
	if p.replaceInPlace(entry) {
		p.persistAsync(entry)
		return
	}
	log.Warnf("%s pool: update for unknown entry %s", p.opts.Name, redactKey(entry.PrimaryKey()))
}

func (p *Pool[T]) forbidden(key string) {
	if p.opts.Forbidden == nil {
		return
	}
	entry, count, ok := p.bumpForbidden(key)
	if !ok {
		return
	}
	if p.opts.ForbiddenThreshold > 0 && count >= p.opts.ForbiddenThreshold {
		p.collect(entry, &Reason{Kind: ReasonForbidden})
		return
	}
	p.persistAsync(entry)
}

// bumpForbidden increments the counter wherever the entry currently lives;
// a cooldown does not shield a credential from 403 accounting.
func (p *Pool[T]) bumpForbidden(key string) (T, int64, bool) {
	for i := range p.valid {
		if p.valid[i].PrimaryKey() == key {
			count := p.opts.Forbidden(&p.valid[i])
			return p.valid[i], count, true
		}
	}
	for i := range p.exhausted {
		if p.exhausted[i].entry.PrimaryKey() == key {
			count := p.opts.Forbidden(&p.exhausted[i].entry)
			return p.exhausted[i].entry, count, true
		}
	}
	var zero T
	return zero, 0, false
}

func (p *Pool[T]) rekey(oldKey string, entry T) {
	for i := range p.valid {
		if p.valid[i].PrimaryKey() == oldKey {
			p.valid[i] = entry
			p.persistAsync(entry)
			p.removeAsync(oldKey)
			return
		}
	}
	for i := range p.exhausted {
		if p.exhausted[i].entry.PrimaryKey() == oldKey {
			p.exhausted[i].entry = entry
			p.persistAsync(entry)
			p.removeAsync(oldKey)
			return
		}
	}
	// Old key already gone; fall back to a plain in-place update.
	p.replace(entry)
}

func (p *Pool[T]) snapshot() Status[T] {
	s := Status[T]{
		Valid:     append([]T(nil), p.valid...),
		Exhausted: make([]T, 0, len(p.exhausted)),
		Invalid:   append([]T(nil), p.invalid...),
	}
	for _, c := range p.exhausted {
		s.Exhausted = append(s.Exhausted, c.entry)
	}
	return s
}

func (p *Pool[T]) contains(key string) bool {
	for _, e := range p.valid {
		if e.PrimaryKey() == key {
			return true
		}
	}
	for _, c := range p.exhausted {
		if c.entry.PrimaryKey() == key {
			return true
		}
	}
	for _, e := range p.invalid {
		if e.PrimaryKey() == key {
			return true
		}
	}
	return false
}

func (p *Pool[T]) replaceInPlace(entry T) bool {
	key := entry.PrimaryKey()
	for i := range p.valid {
		if p.valid[i].PrimaryKey() == key {
			p.valid[i] = entry
			return true
		}
	}
	for i := range p.exhausted {
		if p.exhausted[i].entry.PrimaryKey() == key {
			p.exhausted[i].entry = entry
			return true
		}
	}
	return false
}

func (p *Pool[T]) removeFromBuckets(key string) bool {
	found := false
	kept := p.valid[:0]
	for _, e := range p.valid {
		if e.PrimaryKey() == key {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	p.valid = kept
	keptEx := p.exhausted[:0]
	for _, c := range p.exhausted {
		if c.entry.PrimaryKey() == key {
			found = true
			continue
		}
		keptEx = append(keptEx, c)
	}
	p.exhausted = keptEx
	keptInv := p.invalid[:0]
	for _, e := range p.invalid {
		if e.PrimaryKey() == key {
			found = true
			continue
		}
		keptInv = append(keptInv, e)
	}
	p.invalid = keptInv
	return found
}

// persistAsync writes one row without blocking the handler. Failures are
// logged; the reconciler re-converges later.
func (p *Pool[T]) persistAsync(entry T) {
	if p.opts.Persist == nil {
		return
	}
	persist := p.opts.Persist
	name := p.opts.Name
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := persist(ctx, entry); err != nil {
			log.WithError(err).Warnf("%s pool: persist failed", name)
		}
	}()
}

func (p *Pool[T]) removeAsync(key string) {
	if p.opts.Remove == nil {
		return
	}
	remove := p.opts.Remove
	name := p.opts.Name
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := remove(ctx, key); err != nil {
			log.WithError(err).Warnf("%s pool: delete failed", name)
		}
	}()
}

func redactKey(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}
