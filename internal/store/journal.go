package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/lockstep/internal/record"
)

// ErrJournalClosed is returned by Flush after Close.
var ErrJournalClosed = errors.New("journal closed")

type entryKind int

const (
	entryRound entryKind = iota + 1
	entryDivergence
	entryFlush
)

type entry struct {
	kind       entryKind
	round      record.Round
	divergence record.Divergence
	done       chan error
}

// Journal writes round and divergence records to a Store on its own
// goroutine. RecordRound and RecordDivergence never block on the disk, so a
// Journal can be handed to the redundancy engine directly.
//
// The first write error is kept and reported by Flush and Close; later
// records are still attempted.
type Journal struct {
	store  *Store
	logger *slog.Logger

	mu     sync.Mutex
	items  []entry
	closed bool
	signal chan struct{}
	err    error

	wg sync.WaitGroup
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithJournalLogger sets the logger used for write failures.
func WithJournalLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) {
		j.logger = l
	}
}

// NewJournal starts a journal writer for s.
func NewJournal(s *Store, opts ...JournalOption) *Journal {
	j := &Journal{
		store:  s,
		logger: slog.Default(),
		items:  make([]entry, 0, 64),
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// RecordRound queues a round record.
func (j *Journal) RecordRound(r record.Round) {
	j.enqueue(entry{kind: entryRound, round: r})
}

// RecordDivergence queues a divergence record.
func (j *Journal) RecordDivergence(d record.Divergence) {
	j.enqueue(entry{kind: entryDivergence, divergence: d})
}

// Flush waits until every record queued before the call is written.
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if !j.enqueue(entry{kind: entryFlush, done: done}) {
		return ErrJournalClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, stops the writer and returns the first write
// error. The Store stays open.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.signal)
	}
	j.mu.Unlock()

	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Journal) enqueue(e entry) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return false
	}
	j.items = append(j.items, e)
	select {
	case j.signal <- struct{}{}:
	default:
	}
	return true
}

func (j *Journal) drain() []entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	items := j.items
	j.items = make([]entry, 0, 64)
	return items
}

func (j *Journal) run() {
	defer j.wg.Done()

	for {
		_, ok := <-j.signal
		for _, e := range j.drain() {
			j.write(e)
		}
		if !ok {
			// Closed: anything enqueued before close is already drained.
			for _, e := range j.drain() {
				j.write(e)
			}
			return
		}
	}
}

func (j *Journal) write(e entry) {
	// Writes use a background context: the journal outlives the run that
	// produced the records.
	ctx := context.Background()

	var err error
	switch e.kind {
	case entryRound:
		_, err = j.store.WriteRound(ctx, e.round)
	case entryDivergence:
		_, err = j.store.WriteDivergence(ctx, e.divergence)
	case entryFlush:
		j.mu.Lock()
		first := j.err
		j.mu.Unlock()
		e.done <- first
		return
	}
	if err == nil {
		return
	}

	j.logger.Error("journal write failed", "error", err)
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.mu.Unlock()
}
