// Package index implements the content matching message store of a replica.
//
// Every publication is inserted into one PublicationList per condition key it
// yields (see protocol.Schema.PublicationKeys). A list is a B-tree ordered by
// messageId, so "everything after cursor X" is a range scan no matter in which
// order the publications arrived. Matching a subscription intersects the lists
// of the keys the subscription constrains; an unconstrained subscription scans
// the list of all publications.
//
// Subscriptions carry one cursor per condition key. Retrieve only returns
// publications above the cursors and advances them afterwards, so repeated
// retrieves never return a publication twice.
//
// Concurrency:
//
//	Each list is guarded by its own mutex, so publishes touching different
//	lists proceed in parallel. A retrieve waits until no publish is half-way
//	through its lists, so it never sees a publication under only some of its
//	condition keys.
//
// Publishing the same messageId twice is a no-op if the publication is
// identical and an error wrapping protocol.ErrProtocolViolation otherwise.
package index
