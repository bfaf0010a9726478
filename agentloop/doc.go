// Package agentloop runs the staged turn pipeline.
//
// Every turn makes three model calls in a fixed order: Reasoning plans the
// next step, Action carries it out, and Evaluation reports progress and
// updates the focus. Each stage may request capability calls, which are
// executed through a capability.Dispatcher and appended to the history.
// A stage whose model call fails leaves a note in the history; the turn
// continues with the next stage.
//
// After Evaluation the staged focus update is committed to the focus.Store
// and the stage outputs are added to the TurnBudget. When the budget is
// above its ceiling an Optimization stage summarizes the history, replaces
// it with the summary and resets the budget.
//
// A turn ends with Stop when any stage response contains the sentinel
// marker, and with Continue otherwise.
//
// # Quick Start
//
//	pending := &focus.Pending{}
//	reg, _ := capability.Load(ctx, capability.LoadOptions{
//	    Modules: []capability.Module{focus.Module(pending)},
//	})
//	p := agentloop.NewPipeline(client, reg, &focus.MemoryStore{}, nil,
//	    agentloop.WithPending(pending))
//	defer p.Close()
//
//	reports, err := p.Run(ctx, "Summarize the README", 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(reports[len(reports)-1].Decision)
package agentloop
