// Package testutils provides helpers shared by the test suites of the
// bridge: throwaway TLS certificates and a scripted ManageSieve backend.
//
// Example usage:
//
//	import "github.com/migadu/sievebridge/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		backend := testutils.NewSieveBackend(t)
//		client, err := sieve.Dial(ctx, backend.Addr())
//		// ...
//	}
package testutils
