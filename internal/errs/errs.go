// Package errs defines the pipeline failure taxonomy. Every halt or
// rollback carries enough detail to state exactly why: the threshold
// crossed, the rows involved, or the checksum pair that disagreed.
package errs

import "fmt"

// DataQualityError means a circuit-breaker threshold was exceeded. The
// pipeline halts before any mutation; exit code 1.
type DataQualityError struct {
	TableName string
	Column    string
	Rate      float64
	Threshold float64
	// Samples holds a capped set of offending raw values for triage.
	Samples []string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality circuit breaker: table %s column %s rate %.4f exceeds threshold %.4f",
		e.TableName, e.Column, e.Rate, e.Threshold)
}

// TransactionIntegrityError means the source drifted mid-clean: the
// checksum recomputed at transaction start no longer matches the snapshot.
// Retried once (re-profile, re-clean), then escalated.
type TransactionIntegrityError struct {
	TableName string
	Expected  string
	Actual    string
}

func (e *TransactionIntegrityError) Error() string {
	return fmt.Sprintf("source drifted during run: table %s checksum %s, snapshot recorded %s",
		e.TableName, e.Actual, e.Expected)
}

// ValidationFailure means a canary check or batch checksum mismatched.
// Triggers automatic rollback; exit code 2.
type ValidationFailure struct {
	Stage  string
	Check  string
	Detail string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed in %s: %s (%s)", e.Stage, e.Check, e.Detail)
}

// OperationalError means connectivity or capacity trouble. Retried with
// bounded backoff, then surfaced as fatal; exit code 3.
type OperationalError struct {
	Op  string
	Err error
}

func (e *OperationalError) Error() string {
	return fmt.Sprintf("operational error during %s: %v", e.Op, e.Err)
}

func (e *OperationalError) Unwrap() error { return e.Err }
