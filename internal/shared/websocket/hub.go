package websocket

import (
	"context"
	"errors"

	"github.com/cristianortiz/livestockBidding/internal/shared/logger"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

var (
	ErrHubStopped = errors.New("websocket hub stopped")
	ErrClientGone = errors.New("websocket client is not registered")
)

// Hub keeps client's registry grouped by room and handles messages broadcasting.
// Every membership change and every write into a client's Send channel happens
// on the Run goroutine, so messages for a room leave in the order they were queued.
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}
	// Room members; the keys of the outer map are room names (lot IDs).
	rooms map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	join       chan *membership
	leave      chan *membership
	broadcast  chan *Message
	direct     chan *directMessage
	roomSize   chan *roomQuery

	// InboundMessages is listened to by module-specific handlers (e.g, auction handler)
	InboundMessages chan *ClientMessage

	done chan struct{}
}

type Message struct {
	Room string
	Data []byte
}

// ClientMessage is used for wraping the client and data message received.
// is used to send inbound messages from the client to the hub handlers
type ClientMessage struct {
	Client *Client
	Data   []byte
}

type membership struct {
	client *Client
	room   string
	// reply carries "first observer" for joins and "was member" for leaves
	reply chan membershipResult
}

type membershipResult struct {
	changed bool
	err     error
}

type directMessage struct {
	client *Client
	data   []byte
}

type roomQuery struct {
	room  string
	reply chan int
}

// HubOptions sizes the hub queues.
type HubOptions struct {
	BroadcastBuffer int
	InboundBuffer   int
}

func NewHub(opts HubOptions) *Hub {
	if opts.BroadcastBuffer <= 0 {
		opts.BroadcastBuffer = 256
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 256
	}
	return &Hub{
		clients:         make(map[*Client]struct{}),
		rooms:           make(map[string]map[*Client]struct{}),
		register:        make(chan *Client),
		unregister:      make(chan *Client, 64),
		join:            make(chan *membership),
		leave:           make(chan *membership),
		broadcast:       make(chan *Message, opts.BroadcastBuffer),
		direct:          make(chan *directMessage, opts.BroadcastBuffer),
		roomSize:        make(chan *roomQuery),
		InboundMessages: make(chan *ClientMessage, opts.InboundBuffer),
		done:            make(chan struct{}),
	}
}

// Run starts the hub listening in their channels until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	log.Info("Websocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			log.Info("WebSocket Hub shutting down due to context cancellation",
				zap.Int("clients", len(h.clients)))
			for client := range h.clients {
				h.remove(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			log.Info("Client registered",
				zap.String("clientID", client.ID),
				zap.Int("total_clients", len(h.clients)),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				log.Info("Client unregistered",
					zap.String("clientID", client.ID),
					zap.Int("total_clients", len(h.clients)),
				)
			}

		case m := <-h.join:
			m.reply <- h.addToRoom(m.client, m.room)

		case m := <-h.leave:
			m.reply <- h.removeFromRoom(m.client, m.room)

		case q := <-h.roomSize:
			q.reply <- len(h.rooms[q.room])

		case dm := <-h.direct:
			if _, ok := h.clients[dm.client]; ok {
				h.deliver(dm.client, dm.data)
			}

		case message := <-h.broadcast:
			//broadcast the message to all the clients in the room
			if clients, ok := h.rooms[message.Room]; ok {
				log.Debug("Broadcasting message to room", zap.String("room", message.Room), zap.Int("clients", len(clients)))
				for client := range clients {
					h.deliver(client, message.Data)
				}
			}
		}
	}
}

// deliver never blocks the hub: a client whose buffer is full is dropped and
// will get a fresh snapshot when it reconnects and joins again.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		log.Warn("Failed to Send message to client, unregistering",
			zap.String("clientID", client.ID),
			zap.Int("rooms", len(client.rooms)),
		)
		h.remove(client)
	}
}

func (h *Hub) addToRoom(client *Client, room string) membershipResult {
	if _, ok := h.clients[client]; !ok {
		return membershipResult{err: ErrClientGone}
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	if _, already := members[client]; already {
		return membershipResult{}
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
	log.Debug("Client joined room", zap.String("clientID", client.ID), zap.String("room", room), zap.Int("members", len(members)))
	return membershipResult{changed: len(members) == 1}
}

func (h *Hub) removeFromRoom(client *Client, room string) membershipResult {
	members, ok := h.rooms[room]
	if !ok {
		return membershipResult{}
	}
	if _, ok := members[client]; !ok {
		return membershipResult{}
	}
	delete(members, client)
	delete(client.rooms, room)
	// Si no quedan clientes en este grupo, elimina el mapa
	if len(members) == 0 {
		delete(h.rooms, room)
		log.Debug("Room removed as empty", zap.String("room", room))
	}
	return membershipResult{changed: true}
}

// remove drops the client from the rooms it joined only, then closes Send.
func (h *Hub) remove(client *Client) {
	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	delete(h.clients, client)
	close(client.Send)
}

// Register adds a new client to the hub.
func (h *Hub) Register(ctx context.Context, client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes a client from every room it joined. Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
		log.Debug("Client queued for unregistration", zap.String("clientID", client.ID))
	case <-h.done:
	}
}

// Join adds the client to room and reports whether it is the first member.
func (h *Hub) Join(ctx context.Context, client *Client, room string) (bool, error) {
	res, err := h.membershipChange(ctx, h.join, client, room)
	return res.changed, err
}

// Leave removes the client from room. Leaving a room the client is not in is not an error.
func (h *Hub) Leave(ctx context.Context, client *Client, room string) error {
	_, err := h.membershipChange(ctx, h.leave, client, room)
	return err
}

func (h *Hub) membershipChange(ctx context.Context, ch chan *membership, client *Client, room string) (membershipResult, error) {
	m := &membership{client: client, room: room, reply: make(chan membershipResult, 1)}
	select {
	case ch <- m:
	case <-h.done:
		return membershipResult{}, ErrHubStopped
	case <-ctx.Done():
		return membershipResult{}, ctx.Err()
	}
	select {
	case res := <-m.reply:
		return res, res.err
	case <-h.done:
		return membershipResult{}, ErrHubStopped
	}
}

// Broadcast queues data for every member of room. Calls made from one goroutine
// are delivered in call order.
func (h *Hub) Broadcast(ctx context.Context, room string, data []byte) error {
	if h.stopped() {
		return ErrHubStopped
	}
	select {
	case h.broadcast <- &Message{Room: room, Data: data}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		log.Error("Broadcast not queued, context done", zap.String("room", room), zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// SendTo queues data for a single client.
func (h *Hub) SendTo(ctx context.Context, client *Client, data []byte) error {
	if h.stopped() {
		return ErrHubStopped
	}
	select {
	case h.direct <- &directMessage{client: client, data: data}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoomSize returns the number of clients currently in room.
func (h *Hub) RoomSize(ctx context.Context, room string) (int, error) {
	q := &roomQuery{room: room, reply: make(chan int, 1)}
	select {
	case h.roomSize <- q:
	case <-h.done:
		return 0, ErrHubStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-q.reply, nil
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
