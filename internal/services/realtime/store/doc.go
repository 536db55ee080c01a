// Package store defines the contract of the remote synchronized store: a
// tree of JSON-shaped values addressed by slash-separated paths, with point
// writes, generated keys, compare-and-retry transactions, push-based
// subscriptions and server-enforced disconnect hooks.
//
// Two implementations satisfy Store: the in-process adapter in package
// memory, and the websocket client in package client. Both are built on
// package link, which owns subscription bookkeeping, the connectivity
// signal and the transaction retry loop.
package store
