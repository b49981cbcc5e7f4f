package idscp2

import (
	"errors"
	"io"
	"sync"
)

// LoopbackSecureChannel is an in-memory SecureChannel double: two
// instances created by NewLoopbackPair are connected back to back so a
// pair of Sessions can run the full protocol against each other inside
// a single test process, without any real TLS stack.
type LoopbackSecureChannel struct {
	out      chan<- []byte
	in       <-chan []byte
	peerCert []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLoopbackPair returns two connected channel ends. certA is what B
// will see as PeerCertificate(), and vice versa.
func NewLoopbackPair(certA, certB []byte) (a, b *LoopbackSecureChannel) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	a = &LoopbackSecureChannel{out: aToB, in: bToA, peerCert: certB, closed: make(chan struct{})}
	b = &LoopbackSecureChannel{out: bToA, in: aToB, peerCert: certA, closed: make(chan struct{})}
	return a, b
}

func (l *LoopbackSecureChannel) Send(data []byte) error {
	select {
	case l.out <- data:
		return nil
	case <-l.closed:
		return errors.New("loopback: channel terminated")
	}
}

func (l *LoopbackSecureChannel) Recv() ([]byte, error) {
	select {
	case data, ok := <-l.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *LoopbackSecureChannel) Terminate() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *LoopbackSecureChannel) PeerCertificate() []byte {
	return l.peerCert
}
