// Package preferences manages the per-user email eligibility flags that the
// default audience predicate and every segment resolution depend on:
// marketing consent, hard bounce, unsubscribe and verified address.
//
// Flags flow in from bulk imports through the operator API, from the
// tracking surface's unsubscribe link, and from the delivery worker when a
// transport reports a permanent mailbox failure.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go.
package preferences
