// Package domain holds the party data model: party codes, members, route
// entries, their store layout and display ordering.
package domain
