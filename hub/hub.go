package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/pagecraft/blockedit/edit"
)

// The hub serves one document to websocket clients. A client opens with
// `Init` and receives a `Snapshot`. A client replaces the document with
// `Update`; the hub applies it as a new external value and broadcasts the
// resulting `Change`. Edits made locally in the store flow out through the
// doc's sync attachment and broadcast the same way.

// sent from client to server to open the stream
type Init struct {
	Type string `json:"type"`
}

// sent from server to a new client
type Snapshot struct {
	Type     string          `json:"type"`
	ClientId edit.Id         `json:"client_id"`
	Tree     *edit.BlockTree `json:"tree"`
}

// sent from client to server to replace the document
type Update struct {
	Type string          `json:"type"`
	Tree *edit.BlockTree `json:"tree"`
}

// sent from server to clients
type Change struct {
	Type string `json:"type"`
	// origin client, nil for changes made locally in the store
	ClientId   *edit.Id        `json:"client_id,omitempty"`
	Tree       *edit.BlockTree `json:"tree"`
	Persistent bool            `json:"persistent"`
}

type msgType struct {
	Type string `json:"type"`
}

func jsonMarshal(v any) []byte {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return buf
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		AuthSecret: "",
	}
}

type HubSettings struct {
	// empty disables session auth
	AuthSecret string
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings

	doc  *Doc
	auth *Auth

	upgrader websocket.Upgrader

	clients     map[chan<- []byte]bool // set of active clients
	subscribe   chan chan<- []byte
	unsubscribe chan chan<- []byte
	broadcast   chan []byte

	mu sync.Mutex // protects stream initialization
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, DefaultHubSettings())
}

func NewHub(ctx context.Context, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)

	hub := &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		doc:      NewDoc(),
		auth:     NewAuth(settings.AuthSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:     map[chan<- []byte]bool{},
		subscribe:   make(chan chan<- []byte),
		unsubscribe: make(chan chan<- []byte),
		broadcast:   make(chan []byte),
	}

	go hub.run()
	go hub.changeLoop()

	return hub
}

func (self *Hub) Doc() *Doc {
	return self.doc
}

func (self *Hub) Auth() *Auth {
	return self.auth
}

func (self *Hub) Close() {
	self.cancel()
	self.doc.Close()
}

func (self *Hub) run() {
	for {
		select {
		case c := <-self.subscribe:
			self.clients[c] = true
		case c := <-self.unsubscribe:
			delete(self.clients, c)
		case msg := <-self.broadcast:
			for send := range self.clients {
				select {
				case send <- msg:
				default:
					// slow client, drop. the next snapshot-bearing
					// change supersedes anything missed
				}
			}
		case <-self.ctx.Done():
			return
		}
	}
}

// broadcasts store-originated changes. Wakeups are coalesced on the doc
// sequence number, and each broadcast value is reflected back to the doc
// as the external document value so the sync layer can acknowledge its
// own echo.
func (self *Hub) changeLoop() {
	lastSeq := uint64(0)
	for {
		notify := self.doc.NotifyChannel()

		seq, tree, persistent := self.doc.Latest()
		if lastSeq < seq {
			lastSeq = seq
			change := &Change{
				Type:       "Change",
				Tree:       tree,
				Persistent: persistent,
			}
			select {
			case self.broadcast <- jsonMarshal(change):
			case <-self.ctx.Done():
				return
			}
			glog.V(1).Infof("[hub]change seq = %d tree = %s\n", seq, tree)
			self.doc.SetExternalValue(tree)
			continue
		}

		select {
		case <-notify:
		case <-self.ctx.Done():
			return
		}
	}
}

type stream struct {
	hub         *Hub
	conn        *websocket.Conn
	clientId    edit.Id
	send        chan []byte
	initialized bool
}

func (self *stream) processInitMsg(msg *Init) error {
	self.hub.mu.Lock()
	defer self.hub.mu.Unlock()

	if self.initialized {
		return fmt.Errorf("already initialized")
	}
	self.initialized = true

	// subscribe before the snapshot goes out, so that once the client
	// has the snapshot it observes every later broadcast. all writes
	// go through the send channel; the writer owns the connection
	self.hub.subscribe <- self.send
	snapshot := &Snapshot{
		Type:     "Snapshot",
		ClientId: self.clientId,
		Tree:     self.hub.doc.Snapshot(),
	}
	self.send <- jsonMarshal(snapshot)
	return nil
}

func (self *stream) processUpdateMsg(msg *Update) error {
	self.hub.mu.Lock()
	if !self.initialized {
		self.hub.mu.Unlock()
		return fmt.Errorf("not initialized")
	}
	self.hub.mu.Unlock()

	if msg.Tree == nil {
		return fmt.Errorf("update without tree")
	}

	// a genuinely new external value. the sync layer resets the store
	// without echoing the reset back out
	self.hub.doc.SetExternalValue(msg.Tree)
	glog.V(1).Infof("[hub]update %s<- tree = %s\n", self.clientId, msg.Tree)

	change := &Change{
		Type:       "Change",
		ClientId:   &self.clientId,
		Tree:       msg.Tree,
		Persistent: true,
	}
	select {
	case self.hub.broadcast <- jsonMarshal(change):
	case <-self.hub.ctx.Done():
	}
	return nil
}

func (self *Hub) HandleConn(w http.ResponseWriter, r *http.Request) {
	clientId := edit.NewId()
	if self.auth.Enabled() {
		authClientId, err := self.auth.Verify(r.URL.Query().Get("auth"))
		if err != nil {
			glog.Infof("[hub]auth error = %s\n", err)
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		clientId = authClientId
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}

	s := &stream{
		hub:      self,
		conn:     conn,
		clientId: clientId,
		send:     make(chan []byte, 32),
	}
	eof := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(eof)
		for {
			_, buf, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return
				}
				glog.V(1).Infof("[hub]read error %s = %s\n", s.clientId, err)
				return
			}
			var mt msgType
			if err := json.Unmarshal(buf, &mt); err != nil {
				glog.V(1).Infof("[hub]decode error %s = %s\n", s.clientId, err)
				return
			}
			switch mt.Type {
			case "Init":
				var msg Init
				if err := json.Unmarshal(buf, &msg); err != nil {
					return
				}
				if err := s.processInitMsg(&msg); err != nil {
					glog.Infof("[hub]init error %s = %s\n", s.clientId, err)
					return
				}
			case "Update":
				var msg Update
				if err := json.Unmarshal(buf, &msg); err != nil {
					return
				}
				if err := s.processUpdateMsg(&msg); err != nil {
					glog.Infof("[hub]update error %s = %s\n", s.clientId, err)
					return
				}
			default:
				glog.Infof("[hub]unknown message type = %s\n", mt.Type)
				return
			}
		}
	}()

	go func() {
		defer close(done)
		for {
			select {
			case msg := <-s.send:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					glog.V(1).Infof("[hub]write error %s = %s\n", s.clientId, err)
					return
				}
			case <-eof:
				return
			case <-self.ctx.Done():
				return
			}
		}
	}()

	glog.V(1).Infof("[hub]open %s\n", s.clientId)
	<-done
	glog.V(1).Infof("[hub]close %s\n", s.clientId)

	self.mu.Lock()
	initialized := s.initialized
	self.mu.Unlock()
	if initialized {
		select {
		case self.unsubscribe <- s.send:
		case <-self.ctx.Done():
		}
	}
	conn.Close()
}

func (self *Hub) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", self.HandleConn)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		<-self.ctx.Done()
		server.Close()
	}()
	glog.Infof("[hub]listening on %s\n", addr)
	return server.ListenAndServe()
}
