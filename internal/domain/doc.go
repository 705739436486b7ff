// Package domain contains the core entities: upload sessions, file
// references, generation jobs, credit ledger rows, and the generated study
// materials, along with their validation rules and state machines.
package domain
