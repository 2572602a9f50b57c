package apperrors

import "errors"

var (
	// ErrIntrospection indicates schema metadata could not be read from
	// the datasource. Fatal for the run, never retried.
	ErrIntrospection = errors.New("schema introspection failed")

	// ErrGeneration indicates the LLM collaborator produced no
	// extractable query after all transient-failure retries.
	ErrGeneration = errors.New("query generation failed")

	// ErrExecutionTimeout indicates the guarded execution exceeded its
	// wall-clock budget and the in-flight query was cancelled.
	ErrExecutionTimeout = errors.New("query execution timed out")

	// ErrExecution wraps any datasource-reported execution failure.
	ErrExecution = errors.New("query execution failed")

	// ErrPoolExhausted indicates no datasource connection became
	// available within the bounded checkout wait.
	ErrPoolExhausted = errors.New("datasource connection pool exhausted")

	// ErrNotFound is returned when a referenced datasource identity is
	// unknown to the connection manager.
	ErrNotFound = errors.New("not found")
)
