package domain

import (
	"testing"

	"supplycore/testutil"
)

// TestDomainDoesNotImportInternal keeps the domain layer free of any internal
// implementation package.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain must stay implementation free")
}
