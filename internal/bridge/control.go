package bridge

import "context"

// Control is the slice of the PBX control plane the call core needs. Every
// method is a remote call that can fail; the core never retries. A failure
// during setup moves the session to failed and tears it down.
//
// *ari.Client satisfies this interface in production; tests use a fake.
type Control interface {
	CreateMediaLeg(ctx context.Context, app, addr, format string) (string, error)
	CreateBridge(ctx context.Context, kind string) (string, error)
	AddToBridge(ctx context.Context, bridgeID, channelID string) error
	Hangup(ctx context.Context, channelID string) error
}

// Presence publishes which calls are live so external dashboards can watch
// them without touching the core. Keys die with the call; this is not call
// history. A nil Presence disables publication.
type Presence interface {
	SetActive(ctx context.Context, callID, caller string) error
	ClearActive(ctx context.Context, callID string) error
}
