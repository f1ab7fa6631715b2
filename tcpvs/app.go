package tcpvs

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/packet"
)

// ErrAppExists is returned when a helper is already registered on the
// port.
var ErrAppExists = errors.New("tcpvs: app already registered on port")

// App is an application helper bound to connections whose virtual port
// matches. Helpers mangle payloads that embed addresses (FTP-style
// protocols).
type App struct {
	Name string
	Port uint16

	In       func(cp *conn.Conn, p *packet.Packet) bool
	Out      func(cp *conn.Conn, p *packet.Packet) bool
	InitConn func(app *App, cp *conn.Conn) error

	users atomic.Int32
}

// PktIn and PktOut satisfy conn.AppBinding.

func (a *App) PktIn(cp *conn.Conn, p *packet.Packet) bool {
	if a.In == nil {
		return true
	}
	return a.In(cp, p)
}

func (a *App) PktOut(cp *conn.Conn, p *packet.Packet) bool {
	if a.Out == nil {
		return true
	}
	return a.Out(cp, p)
}

// Users reports the live usage references on the helper.
func (a *App) Users() int32 { return a.users.Load() }

const (
	appTabBits = 4
	appTabSize = 1 << appTabBits
	appTabMask = appTabSize - 1
)

// appTable is the fixed-size hash of registered helpers, keyed by a fold
// of the virtual port.
type appTable struct {
	mu      sync.Mutex
	buckets [appTabSize][]*App
	count   atomic.Int32
}

func appHashKey(port uint16) int {
	return int((port>>appTabBits)^port) & appTabMask
}

// RegisterApp adds a helper; a second registration on the same port
// fails.
func (t *TCP) RegisterApp(app *App) error {
	h := appHashKey(app.Port)
	t.apps.mu.Lock()
	defer t.apps.mu.Unlock()
	for _, a := range t.apps.buckets[h] {
		if a.Port == app.Port {
			return ErrAppExists
		}
	}
	t.apps.buckets[h] = append(t.apps.buckets[h], app)
	t.apps.count.Add(1)
	return nil
}

// UnregisterApp removes a helper.
func (t *TCP) UnregisterApp(app *App) {
	h := appHashKey(app.Port)
	t.apps.mu.Lock()
	defer t.apps.mu.Unlock()
	bucket := t.apps.buckets[h]
	for i, a := range bucket {
		if a == app {
			t.apps.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			t.apps.count.Add(-1)
			return
		}
	}
}

// AppConnBind attaches the helper registered on the connection's virtual
// port. Only classic-NAT connections bind helpers.
func (t *TCP) AppConnBind(cp *conn.Conn) error {
	if !cp.IsMasq() {
		return nil
	}

	h := appHashKey(cp.VPort)
	t.apps.mu.Lock()
	var match *App
	for _, a := range t.apps.buckets[h] {
		if a.Port == cp.VPort {
			match = a
			a.users.Add(1)
			break
		}
	}
	t.apps.mu.Unlock()

	if match == nil {
		return nil
	}

	log.Tracef("binding conn %s:%d to app %s on port %d",
		cp.CAddr, cp.CPort, match.Name, match.Port)
	cp.App = match
	if match.InitConn != nil {
		return match.InitConn(match, cp)
	}
	return nil
}
