// Package domain defines the persisted record shape and the storage contract
// shared by the ingestion core and its backends.
package domain
