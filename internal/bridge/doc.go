// Package bridge exposes a realm's capabilities over a Unix socket so
// host processes outside the realm can send requests to supervisors.
//
// Each connection carries exactly one CBOR request and one CBOR
// response:
//
//	request:  {capability: "<id>", payload: {...}, call: true|false}
//	response: {ok: bool, error: "...", data: <payload>}
//
// The capability id names a capability minted during composition. The
// bridge performs Send (call=false) or Call (call=true) with it; holding
// the id is the authority, exactly as holding the capability is inside
// the realm.
package bridge
