/*
Package errdefs defines the error taxonomy shared across Quarry.

Errors fall into five classes with distinct handling, decided by the
reconciler alone:

  - Validation (bad input spec): surfaced immediately, never retried
  - Conflict / version conflict: caller retries with a fresh read
  - Retryable backend (timeout, transient overload): retried with
    exponential backoff, bounded attempts before escalating to Failed
  - Permanent backend (quota exhausted, invalid parameters): terminal,
    recorded on the entity's status, not retried
  - Wait conditions (volume in use, snapshot not ready): revisited on
    the next pass without consuming a retry attempt

Components return typed errors; no component silently swallows a
backend error. User-visible failure is always communicated via the
phase/reason fields on the affected record, never process termination.

Match sentinels with errors.Is and classes with the Is* helpers; wrap
with fmt.Errorf("...: %w", err) to add context without losing the
classification.
*/
package errdefs
