package domain

import (
	"testing"

	"modos/testutil"
)

func TestDomainStaysFreeOfInternalPackages(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImport, "pkg/domain is importable by clients")
	testutil.AssertNoTransitiveDependency(t, ".", testutil.Any(testutil.Under("modos/internal"), testutil.CloudSDKImport), "pkg/domain must not pull in internal or cloud packages")
}
