// Package types defines the attic data model: schemes, structures,
// objects and value rows, the TypeDescriptor contract consumed by the
// schema registry, records and entities exchanged with callers, grants and
// subjects for authorization, tagged errors, and Config.
package types
