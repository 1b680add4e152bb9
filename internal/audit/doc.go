// Package audit defines the domain model shared by the orchestration subsystem:
// the unit lifecycle enum, pipeline stages, queue tasks, the stage collaborator
// envelope, the error taxonomy, and the interfaces implemented by stores, queues
// and collaborators. It has no dependencies on concrete infrastructure.
package audit
