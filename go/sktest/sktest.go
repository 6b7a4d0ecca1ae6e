// Package sktest provides a TestingT interface which mirrors testing.T, so
// that test helpers can be used from both tests and benchmarks.
package sktest

// TestingT is an interface which is compatible with testing.T and
// testing.B, used so that helpers can accept either.
type TestingT interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fail()
	FailNow()
	Failed() bool
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Helper()
	Log(args ...interface{})
	Logf(format string, args ...interface{})
	Name() string
	Skip(args ...interface{})
	SkipNow()
	Skipf(format string, args ...interface{})
	Skipped() bool
}
