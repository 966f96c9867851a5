// Package pipeline runs one sensor's update: fetch historical samples, extract
// the tracked field, aggregate, publish.
//
// A Pipeline is built from an immutable Config and a history.Source. Each call
// to Invoke is one invocation:
//
//	daily   FetchLast(count=1, includeCurrentPeriod=true) → Extract → Aggregate → Publish
//	hourly  TargetDates(ref) → FetchRange per date (concurrent) → concatenate
//	        in date order → Extract → Aggregate → Publish
//
// Any fetch failure aborts the invocation and publishes an unavailable state
// carrying the error text; there is never a partial aggregation.
//
// Invocations of the same Pipeline never overlap. A call made while another is
// in flight returns ErrBusy immediately. After Close, Invoke returns ErrClosed
// and an invocation that was already running does not publish.
package pipeline
