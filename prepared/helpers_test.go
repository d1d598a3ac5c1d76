package prepared

import "github.com/mevdschee/dbfrontend/compiler"

func dummyUnit() compiler.QueryUnit {
	return compiler.QueryUnit{}
}
