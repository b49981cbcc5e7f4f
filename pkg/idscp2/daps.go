package idscp2

import "time"

// DapsDriver is the external DAPS (Dynamic Attribute Provisioning
// Service) oracle contract. It is treated as opaque: GetToken mints a
// fresh DAT, VerifyToken reports the remaining validity of a token
// currently held to be valid, or ok=false if it is not.
type DapsDriver interface {
	GetToken() ([]byte, error)
	VerifyToken(token []byte) (remaining time.Duration, ok bool, err error)
}

// StaticDapsDriver is a test double: it always mints the same token and
// considers any token equal to Token valid for the configured validity
// window.
type StaticDapsDriver struct {
	Token    []byte
	Validity time.Duration
}

func NewStaticDapsDriver(token []byte, validity time.Duration) *StaticDapsDriver {
	return &StaticDapsDriver{Token: token, Validity: validity}
}

func (d *StaticDapsDriver) GetToken() ([]byte, error) {
	return d.Token, nil
}

func (d *StaticDapsDriver) VerifyToken(token []byte) (time.Duration, bool, error) {
	if string(token) != string(d.Token) {
		return 0, false, nil
	}
	return d.Validity, true, nil
}
