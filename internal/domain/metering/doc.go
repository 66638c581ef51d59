// Package metering contains the domain model for per-organization usage
// metering: the billing period calculator, the plan quota policy and the
// usage ledger aggregate that enforces hard caps with check-and-increment
// reservations.
package metering
