package filelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// ContentionHandler delivers release requests between lock holders and
// waiters. Owners publish the port returned by ReservePort in the
// information region; waiters ping that port with the owner's lock id.
type ContentionHandler interface {
	// ReservePort returns the port release requests are received on, or -1
	// when contention notification is unavailable.
	ReservePort() int
	// Start registers whenContended for lockID. Re-registering replaces the
	// previous action.
	Start(lockID int64, whenContended func())
	// Stop forgets lockID.
	Stop(lockID int64)
	// PingOwner asks the owner listening on port to release lockID.
	PingOwner(port int, lockID int64, displayName string) error
	// Close stops receiving requests.
	Close() error
}

// NoContention never receives nor delivers release requests.
type NoContention struct{}

func (NoContention) ReservePort() int                   { return -1 }
func (NoContention) Start(int64, func())                {}
func (NoContention) Stop(int64)                         {}
func (NoContention) PingOwner(int, int64, string) error { return nil }
func (NoContention) Close() error                       { return nil }

// Message types
const (
	messageUnlockRequest = "unlock_request"
)

type contentionMessage struct {
	Type        string `json:"type"`
	LockID      int64  `json:"lock_id"`
	DisplayName string `json:"display_name,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

// UDPContentionHandler receives release requests on a loopback UDP socket.
// One handler serves every lock of the process.
type UDPContentionHandler struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	stopped bool
	wg      sync.WaitGroup
	actions *xsync.MapOf[int64, func()]
}

// NewUDPContentionHandler creates a handler. The socket is opened by the
// first ReservePort call.
func NewUDPContentionHandler() *UDPContentionHandler {
	return &UDPContentionHandler{
		actions: xsync.NewMapOf[int64, func()](),
	}
}

func (h *UDPContentionHandler) ReservePort() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return -1
	}
	if h.conn == nil {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			log.Warnf("[Contention.ReservePort] cannot listen for lock release requests: %v", err)
			return -1
		}
		h.conn = conn
		h.wg.Add(1)
		go h.listen(conn)
		log.Debugf("[Contention.ReservePort] listening on %s", conn.LocalAddr())
	}
	return h.conn.LocalAddr().(*net.UDPAddr).Port
}

func (h *UDPContentionHandler) listen(conn *net.UDPConn) {
	defer h.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugf("[Contention.listen] read failed: %v", err)
			continue
		}
		var msg contentionMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			log.Debugf("[Contention.listen] ignoring malformed message from %s: %v", from, err)
			continue
		}
		if msg.Type != messageUnlockRequest {
			continue
		}
		action, ok := h.actions.Load(msg.LockID)
		if !ok {
			log.Debugf("[Contention.listen] no holder for lock id %d (requested by pid %d)", msg.LockID, msg.PID)
			continue
		}
		log.Debugf("[Contention.listen] pid %d requests release of %s", msg.PID, msg.DisplayName)
		go action()
	}
}

func (h *UDPContentionHandler) Start(lockID int64, whenContended func()) {
	h.actions.Store(lockID, whenContended)
}

func (h *UDPContentionHandler) Stop(lockID int64) {
	h.actions.Delete(lockID)
}

func (h *UDPContentionHandler) PingOwner(port int, lockID int64, displayName string) error {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return fmt.Errorf("failed to contact lock owner on port %d: %w", port, err)
	}
	defer conn.Close()

	data, err := json.Marshal(contentionMessage{
		Type:        messageUnlockRequest,
		LockID:      lockID,
		DisplayName: displayName,
		PID:         os.Getpid(),
	})
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to ping lock owner on port %d: %w", port, err)
	}
	return nil
}

// Close stops the listener. Registered actions are dropped.
func (h *UDPContentionHandler) Close() error {
	h.mu.Lock()
	h.stopped = true
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	h.actions.Clear()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	h.wg.Wait()
	return err
}
