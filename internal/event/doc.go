// Package event provides a synchronous pub-sub bus for workflow events.
//
// The workflow engine publishes an event for every node it runs, every stage
// status change, every checkpoint, and every suspension. The CLI subscribes
// to print progress and the run service subscribes to write the audit log;
// neither needs a direct dependency on the engine.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeStageStatusChanged, func(e event.Event) {
//	    ch := e.(event.StageStatusChangedEvent)
//	    fmt.Printf("%s: %s -> %s\n", ch.StageID, ch.From, ch.To)
//	})
//	bus.SubscribeAll(func(e event.Event) { ... })
//
// Event types follow "category.action": node.started, node.completed,
// stage.status_changed, checkpoint.saved, backtrack.applied, run.suspended,
// run.resumed, run.finished.
//
// Handlers run on the publishing goroutine. A panicking handler is logged and
// skipped; the remaining handlers still run.
package event
