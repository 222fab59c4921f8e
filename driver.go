package main

import (
	"fmt"
	"log/slog"

	protonsync "github.com/protonsync/protondrive-sync/internal/sync"
)

// newRemoteDriver constructs the encrypted-transport client and credential
// provider the Engine drives. No concrete Proton Drive wire client ships in
// this module — RemoteDriver and CredentialProvider are external
// collaborators (see internal/sync/types.go) that a deployment wires in at
// this single seam. A production build replaces this function; the CLI
// itself is never driven end-to-end in tests. internal/sync/engine_test.go
// builds *protonsync.Engine directly with testutil.FakeRemoteDriver in
// EngineConfig.Driver, bypassing this constructor entirely.
func newRemoteDriver(logger *slog.Logger) (protonsync.RemoteDriver, protonsync.CredentialProvider, error) {
	return nil, nil, fmt.Errorf("no Proton Drive remote driver is configured in this build")
}
