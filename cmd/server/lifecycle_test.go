package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestLifecycle_ExporterStopsAfterIndexer(t *testing.T) {
	log := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	workers := newLifecycle()

	workers.goExporter(func(ctx context.Context) {
		<-ctx.Done()
		log.add("exporter flushed")
	})
	workers.goIndexer(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		// an in-flight block finishing after cancel
		time.Sleep(20 * time.Millisecond)
		log.add("indexer stopped")
		return nil
	}, func(error) { t.Error("unexpected indexer error") })

	cancel()
	done := make(chan struct{})
	go func() {
		workers.wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
	assert.Equal(t, []string{"indexer stopped", "exporter flushed"}, log.list())
}

func TestLifecycle_IndexerError(t *testing.T) {
	workers := newLifecycle()
	errCh := make(chan error, 1)

	workers.goIndexer(context.Background(), func(ctx context.Context) error {
		return errors.New("invalid snapshot schedule")
	}, func(err error) { errCh <- err })

	workers.wait()
	select {
	case err := <-errCh:
		assert.EqualError(t, err, "invalid snapshot schedule")
	default:
		t.Fatal("error callback was not called")
	}
}
