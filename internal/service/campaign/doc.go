// Package campaign implements campaign lifecycle management.
//
// The Controller is the only component that changes campaign-visible
// status. Every change is a compare-and-set transition validated against
// the rules in the domain package and recorded in the campaign's audit
// trail. Launch resolves the target segment once, freezes the recipient
// list as delivery records and seeds the send queue; pause, resume and
// cancel act on queue consumption without re-seeding.
//
// Repository implementations live in repository/postgres/.
package campaign
