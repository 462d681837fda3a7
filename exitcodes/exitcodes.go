// Package exitcodes defines the standard exit codes used by pysys.
package exitcodes

// Exit code constants used by pysys
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when all executed tests pass
// * TestFailure (1): Used when tests fail or an interrupt cuts the run short
// * RuntimeErr (2): Used for runtime errors such as bad configuration or panics
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors
)
