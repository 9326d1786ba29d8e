// Package exitcodes defines the exit codes of op-composer.
//
// * Success (0): every test passed, or nothing ran and that is allowed
// * TestFailure (1): a test failed, a device failed, or no tests ran
// * RuntimeErr (2): invalid configuration or an unexpected runtime error
package exitcodes

const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
