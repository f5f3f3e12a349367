// Package types defines the shared data model for TaskMesh: tasks,
// workflows, provider descriptors and the structured error taxonomy used
// across the scheduler, the provider pools and the persistence layer.
//
// The package has no dependencies beyond the standard library so that every
// other package can import it without cycles.
package types
