// Package store defines the persistence interfaces consumed by the services
// and the sentinel errors their implementations return. Implementations live
// under internal/platform; services depend only on these interfaces.
package store
