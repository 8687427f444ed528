package main

import (
	"context"
	"sync"
)

// lifecycle tracks the background workers. The exporter gets its own context so it is only
// stopped once the indexer has returned and can no longer hand it records.
type lifecycle struct {
	indexerWG  sync.WaitGroup
	exporterWG sync.WaitGroup

	exportCtx  context.Context
	stopExport context.CancelFunc
}

func newLifecycle() *lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &lifecycle{exportCtx: ctx, stopExport: cancel}
}

func (l *lifecycle) goExporter(run func(ctx context.Context)) {
	l.exporterWG.Add(1)
	go func() {
		defer l.exporterWG.Done()
		run(l.exportCtx)
	}()
}

// goIndexer runs the follower; onError is called when it exits with an error
func (l *lifecycle) goIndexer(ctx context.Context, run func(ctx context.Context) error, onError func(error)) {
	l.indexerWG.Add(1)
	go func() {
		defer l.indexerWG.Done()
		if err := run(ctx); err != nil {
			onError(err)
		}
	}()
}

// wait joins the indexer, then stops and joins the exporter
func (l *lifecycle) wait() {
	l.indexerWG.Wait()
	l.stopExport()
	l.exporterWG.Wait()
}
