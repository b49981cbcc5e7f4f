// Package idscp2 implements the core session state machine of the IDSCP2
// (Industrial Data Space Communication Protocol v2) endpoint: the
// per-connection FSM that drives the handshake, the paired remote
// attestation subprotocols, dynamic attribute token freshness, and the
// alternating-bit acknowledgement sublayer above an already-authenticated
// secure channel.
//
// The secure channel transport, the DAPS driver, and individual RAT
// mechanisms are external collaborators; this package only defines the
// contracts they must satisfy (SecureChannel, DapsDriver, RatDriver) and
// orchestrates them through Session.ProcessEvent.
package idscp2
