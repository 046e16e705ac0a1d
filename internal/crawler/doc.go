// Package crawler defines the domain types, contracts, and error taxonomy shared
// by the repository collector: work units and their lifecycle, normalized
// repository records, instance leases, host budgets, and the interfaces the
// ledger, host client, adapters, and writer implement.
package crawler
