//go:build !sqlite
// +build !sqlite

package leasequeue

import "fmt"

func openSQLite(string, ...ProviderOption) (StorageProvider, error) {
	return nil, fmt.Errorf("sqlite provider requires building with -tags sqlite")
}
