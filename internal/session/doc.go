// Package session owns one long-lived transport connection per identity.
//
// A Registry maps sanitized identities to session records. Each record holds
// at most one live transport handle, the identity's credentials and a
// connectivity state driven solely by the handle's events:
//
//	Uninitialized -> AwaitingPairing | Connected   (open)
//	AwaitingPairing -> Connected                   (credentials registered)
//	AwaitingPairing | Connected -> Disconnected    (close)
//	Disconnected -> Uninitialized                  (reconnect after a fixed delay)
//
// A close whose reason contains "logged out" is terminal: credentials are
// reset and persisted, and only an explicit pairing request revives the
// session. A failed reconnect also leaves the session Disconnected until the
// next pairing request. There is no backoff and no retry cap.
package session
