// Package orchestrator runs topology operations end to end.
//
// An operation (activate, start, stop or delete) is requested with Run or one
// of its shorthands. The orchestrator records an AggregateStatus and returns
// it at once; a background goroutine then
//
//  1. loads the topology from the store,
//  2. builds one dependency graph per phase of the operation,
//  3. lowers and simplifies them into a single process graph, and
//  4. deploys and starts that graph on the process engine.
//
// A failure in any of these stages marks the status failed and records the
// failure on the topology's status line.
//
// The dispatcher executing the instance reports progress back through
// ReportProgress. Refresh asks the engine whether the instance ended and at
// which terminus, completing the status when it did:
//
//	status, err := orch.Activate("shop")
//	if err != nil {
//		return err
//	}
//	status, err = orch.Await(ctx, status.ID, time.Second)
//	if status.State == orchestrator.Failed {
//		fmt.Println(status.Message)
//	}
//
// Ended operations are handed to the Archive, together with the handler logs
// collected for them.
package orchestrator
