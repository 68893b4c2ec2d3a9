// Package audit is a voxpipe extension that bridges lifecycle events to
// an external audit trail backend.
//
// Every task, batch, and janitor lifecycle hook emits a structured audit
// event through the [Recorder] interface. The extension assigns severity
// levels (info for normal operations, warning for retries and partial
// batches, critical for terminal failures) and rich metadata (batch id,
// queue class, elapsed time, errors).
//
// # Usage
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Write(ctx, evt.Action, evt.Resource, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionTaskFailed,
//	        audit.ActionTaskDLQ,
//	        audit.ActionBatchTerminal,
//	    ),
//	)
package audit
