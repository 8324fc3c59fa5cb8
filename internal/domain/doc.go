// Package domain declares the events and read-model views the harness
// observes.
//
// These are not the system's business objects. They carry only the fields
// assertions need, and their Go type names double as the identifiers used
// on the wire: an event type name derives its bus topic, a view type name
// selects its push feed buffer.
package domain
