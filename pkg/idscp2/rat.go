package idscp2

import "sync"

// RatRole distinguishes the two RAT interfaces every session owns.
type RatRole int

const (
	RoleProver RatRole = iota
	RoleVerifier
)

func (r RatRole) String() string {
	if r == RoleProver {
		return "Prover"
	}
	return "Verifier"
}

// RatWorkerMessage is what flows across the interface<->worker
// channels: either a control token (Outcome != RatOutcomeNone) or raw
// attestation protocol bytes.
type RatWorkerMessage struct {
	Outcome RatOutcome
	Raw     []byte
}

// RatDriver is the external RAT mechanism contract. ID()
// identifies the mechanism for negotiation; Execute runs the
// attestation protocol until rxFromFSM is closed or it has sent a
// terminal OK/Failed on txToFSM. It must be safe to invoke once per
// start/restart and must exit cooperatively when rxFromFSM closes —
// it is never forcibly killed.
type RatDriver interface {
	ID() string
	Execute(txToFSM chan<- RatWorkerMessage, rxFromFSM <-chan RatWorkerMessage, peerCert []byte)
}

// RatRegistry looks mechanisms up by id for RatInterface.Start.
type RatRegistry map[string]RatDriver

// NullRatDriver is the always-available degenerate attestation
// mechanism real IDSCP2 implementations ship for testing and for
// peers that do not require attestation. It reports success
// immediately and otherwise just waits to be cancelled.
type NullRatDriver struct{}

func (NullRatDriver) ID() string { return "NullRat" }

func (NullRatDriver) Execute(txToFSM chan<- RatWorkerMessage, rxFromFSM <-chan RatWorkerMessage, _ []byte) {
	select {
	case txToFSM <- RatWorkerMessage{Outcome: RatOutcomeOK}:
	default:
	}
	for range rxFromFSM {
		// NullRat has nothing to do with forwarded bytes; drain until
		// the interface closes our input on stop/restart.
	}
}

// ratContent bundles the per-activation state of a RatInterface: the
// single-producer channels to/from the worker, and the generation this
// activation was started at.
type ratContent struct {
	toWorker   chan RatWorkerMessage // interface -> worker, closed to cancel
	fromWorker chan RatWorkerMessage // worker -> interface
	wake       chan struct{}         // written once to unblock the listener on stop
	generation uint64
}

// RatInterface starts/restarts a pluggable attestation worker, bridges
// its messages into Session events, and cancels it cleanly. One
// instance exists per role per session.
type RatInterface struct {
	role     RatRole
	registry RatRegistry
	dispatch func(Event)

	mu           sync.Mutex
	content      *ratContent
	cachedDriver RatDriver
	peerCert     []byte
	generation   uint64
}

// NewRatInterface constructs a RatInterface for the given role. dispatch
// is called by the listener goroutine with the FromProver/FromVerifier
// event once a worker message arrives; it is expected to route into
// Session.ProcessEvent. dispatch must itself be safe to call after the
// interface has been stopped — stale calls are filtered by generation
// before dispatch is invoked, so a stopped interface never reaches it.
func NewRatInterface(role RatRole, registry RatRegistry, peerCert []byte, dispatch func(Event)) *RatInterface {
	return &RatInterface{role: role, registry: registry, peerCert: peerCert, dispatch: dispatch}
}

func (r *RatInterface) eventKind() EventKind {
	if r.role == RoleProver {
		return EventFromProver
	}
	return EventFromVerifier
}

// Start looks mechanismID up in the registry, caches the driver,
// spawns the worker and the listener that bridges its output into
// Session events.
func (r *RatInterface) Start(mechanismID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registry == nil {
		return RatError(ErrRatRegistryNotAvailable, nil)
	}
	driver, ok := r.registry[mechanismID]
	if !ok {
		return RatError(ErrUnknownRatDriver, nil)
	}
	r.cachedDriver = driver
	r.activateLocked(driver)
	return nil
}

// Restart reuses the cached driver from the last successful Start,
// without renegotiating the mechanism.
func (r *RatInterface) Restart() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cachedDriver == nil {
		return RatError(ErrRatDriverNotCached, nil)
	}
	r.activateLocked(r.cachedDriver)
	return nil
}

// activateLocked stops any running activation and starts a fresh one
// with driver. Caller holds r.mu.
func (r *RatInterface) activateLocked(driver RatDriver) {
	r.stopLocked()

	r.generation++
	gen := r.generation
	content := &ratContent{
		toWorker:   make(chan RatWorkerMessage, 4),
		fromWorker: make(chan RatWorkerMessage, 4),
		wake:       make(chan struct{}, 1),
		generation: gen,
	}
	r.content = content

	go driver.Execute(content.fromWorker, content.toWorker, r.peerCert)
	go r.listen(content, gen)
}

func (r *RatInterface) listen(content *ratContent, generation uint64) {
	for {
		select {
		case <-content.wake:
			return
		case msg, ok := <-content.fromWorker:
			if !ok {
				return
			}
			r.mu.Lock()
			stale := r.content == nil || r.content.generation != generation
			r.mu.Unlock()
			if stale {
				return
			}
			r.dispatch(Event{Kind: r.eventKind(), Outcome: msg.Outcome, RawBytes: msg.Raw})
			if msg.Outcome == RatOutcomeOK || msg.Outcome == RatOutcomeFailed {
				return
			}
		}
	}
}

// WriteToDriver forwards bytes received from the peer (a RatProver or
// RatVerifier message routed to the opposite local worker) into the
// active worker's input.
func (r *RatInterface) WriteToDriver(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.content == nil {
		return RatError(ErrRatDriverInactive, nil)
	}
	select {
	case r.content.toWorker <- RatWorkerMessage{Raw: data}:
		return nil
	default:
		return RatError(ErrRatConnectionAborted, nil)
	}
}

// Stop cancels the active worker, if any. After Stop returns no
// further FromProver/FromVerifier event for this role can reach
// dispatch, even if the worker or listener goroutine is still winding
// down.
func (r *RatInterface) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *RatInterface) stopLocked() {
	if r.content == nil {
		return
	}
	// Bump the generation first so the listener's post-receive check
	// (and any in-flight dispatch race) sees this activation as stale,
	// wake the listener in case it is blocked waiting on fromWorker,
	// then close the worker's input so it exits cooperatively per its
	// contract.
	r.generation++
	select {
	case r.content.wake <- struct{}{}:
	default:
	}
	close(r.content.toWorker)
	r.content = nil
}

// Active reports whether a worker is currently running for this role.
func (r *RatInterface) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content != nil
}
