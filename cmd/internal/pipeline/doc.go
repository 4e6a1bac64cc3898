// Package pipeline runs one message through the processing stages:
// preprocessing, intent classification, context attachment, response
// generation, postprocessing. The Machine walks an ordered step table
// and fails over to a terminal failed stage with a user-facing apology
// when any step errors or panics. Collaborators (classifier, context
// loader, responders) are injected at construction.
package pipeline
