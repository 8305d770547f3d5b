package dimse

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// UIDs negotiated on every association. Only implicit VR little endian is
// offered so one codec covers command sets and datasets.
const (
	applicationContextUID  = "1.2.840.10008.3.1.1.1"
	implicitVRLittleEndian = "1.2.840.10008.1.2"

	VerificationSOPClass = "1.2.840.10008.1.1"
	StudyRootFind        = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove        = "1.2.840.10008.5.1.4.1.2.2.2"

	implementationClassUID  = "1.2.826.0.1.3680043.10.1011.1.1"
	implementationVersion   = "PIXL_DIMSE_1"
	defaultMaxPDULength     = 16384
	defaultAssociateTimeout = 30 * time.Second
)

// Config identifies one DIMSE peer.
type Config struct {
	Host       string
	Port       int
	CallingAET string
	CalledAET  string
	Timeout    time.Duration
}

// Association is one DICOM association. It is not safe for concurrent
// DIMSE operations; callers serialise per association.
type Association struct {
	cfg       Config
	conn      net.Conn
	mu        sync.Mutex
	connected bool
	// contexts maps accepted presentation context IDs by abstract syntax.
	contexts  map[string]byte
	messageID uint16
}

func NewAssociation(cfg Config) *Association {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultAssociateTimeout
	}
	return &Association{cfg: cfg, contexts: make(map[string]byte)}
}

// Connect dials the peer and negotiates the association for the query,
// retrieve and verification SOP classes.
func (a *Association) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	dialer := &net.Dialer{Timeout: a.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", a.cfg.CalledAET, err)
	}
	a.conn = conn

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(a.cfg.Timeout))
	}

	requested := []string{VerificationSOPClass, StudyRootFind, StudyRootMove}
	if err := a.sendAssociateRequest(requested); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send associate request: %w", err)
	}
	if err := a.receiveAssociateAccept(requested); err != nil {
		conn.Close()
		return fmt.Errorf("association rejected by %s: %w", a.cfg.CalledAET, err)
	}

	a.connected = true
	return nil
}

// Release sends A-RELEASE-RQ and closes the connection.
func (a *Association) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}
	a.connected = false

	_ = a.conn.SetDeadline(time.Now().Add(a.cfg.Timeout))
	_ = writePDU(a.conn, pduReleaseRQ, make([]byte, 4))
	// Best effort wait for A-RELEASE-RP; the connection closes either way.
	_, _, _ = readPDU(a.conn)
	return a.conn.Close()
}

// Abort closes the connection without the release handshake, used when a
// transfer is cancelled mid-flight.
func (a *Association) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}
	a.connected = false
	_ = writePDU(a.conn, pduAbort, []byte{0x00, 0x00, 0x00, 0x00})
	return a.conn.Close()
}

func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Association) nextMessageID() uint16 {
	a.messageID++
	return a.messageID
}

func (a *Association) contextID(abstractSyntax string) (byte, error) {
	id, ok := a.contexts[abstractSyntax]
	if !ok {
		return 0, fmt.Errorf("presentation context for %s not accepted", abstractSyntax)
	}
	return id, nil
}

// setDeadline applies the tighter of ctx's deadline and the op timeout.
func (a *Association) setDeadline(ctx context.Context, opTimeout time.Duration) {
	deadline := time.Now().Add(opTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = a.conn.SetDeadline(deadline)
}
