package idscp2

import "time"

// AttestationConfig is the DAPS/RAT policy a Session is configured with.
type AttestationConfig struct {
	// ExpectedAttestationSuite is our ordered preference for which
	// mechanism the peer's prover should run (drives verifier
	// negotiation priority).
	ExpectedAttestationSuite []string

	// SupportedAttestationSuite is the ordered list of mechanisms our
	// own prover can run.
	SupportedAttestationSuite []string

	// RatTimeout is the duration of the handshake timer
	// (HandshakeTimeout), of the prover and verifier timers that bound a
	// single attestation round (ProverTimeout/VerifierTimeout), and of
	// the re-attestation period of the RAT timer (RatTimeout).
	RatTimeout time.Duration
}

// SessionConfig aggregates everything Session needs to be constructed:
// the ambient stack (logger, metrics) plus the domain collaborators
// (DAPS, RAT registries, secure channel, codec), all treated as
// externally supplied. AckTimeout is the one session-local timing knob
// left to the embedding application.
type SessionConfig struct {
	Attestation AttestationConfig
	Daps        DapsDriver

	ProverRegistry   RatRegistry
	VerifierRegistry RatRegistry

	Channel SecureChannel
	Codec   Codec

	AckTimeout time.Duration

	Logger  Logger
	Metrics *Metrics
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(MetricsConfig{Enabled: false})
	}
	if c.Codec == nil {
		c.Codec = JSONCodec{}
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Attestation.RatTimeout <= 0 {
		c.Attestation.RatTimeout = 10 * time.Second
	}
	return c
}
