package idscp2

// negotiateMechanism picks the first element of primary that also
// appears in secondary, so primary drives priority. It is called once
// with (peerExpected, ownSupported) to pick the prover mechanism and
// once with (ownExpected, peerSupported) to pick the verifier
// mechanism.
func negotiateMechanism(primary, secondary []string) (string, error) {
	if len(primary) == 0 || len(secondary) == 0 {
		return "", ErrNoRatMechanismMatch
	}
	set := make(map[string]struct{}, len(secondary))
	for _, m := range secondary {
		set[m] = struct{}{}
	}
	for _, m := range primary {
		if _, ok := set[m]; ok {
			return m, nil
		}
	}
	return "", ErrNoRatMechanismMatch
}

// negotiatedMechanisms is the result of running both negotiations
// during Hello processing.
type negotiatedMechanisms struct {
	proverMechanism   string
	verifierMechanism string
}

func negotiateMechanisms(peerExpected, peerSupported, ownSupported, ownExpected []string) (negotiatedMechanisms, error) {
	prover, err := negotiateMechanism(peerExpected, ownSupported)
	if err != nil {
		return negotiatedMechanisms{}, err
	}
	verifier, err := negotiateMechanism(ownExpected, peerSupported)
	if err != nil {
		return negotiatedMechanisms{}, err
	}
	return negotiatedMechanisms{proverMechanism: prover, verifierMechanism: verifier}, nil
}
