// Package workers contains the counter-maintenance handlers that keep the
// aggregate statistics in the tree consistent with incoming result writes.
//
// The chain: a result write at results/{project}/{group}/{user} is screened
// and, if novel, credited to the user and recorded in the groupsUsers
// membership set; the membership write re-derives the group's finished and
// required counts; a requiredCount transition feeds the project's
// resultCount or requiredResults; and either of those recomputes the
// project progress percentage. Every derived field is owned by exactly one
// handler, and every handler reads its inputs fresh on each invocation, so
// the chain converges under unordered, at-least-once delivery.
package workers
