package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cristianortiz/livestockBidding/internal/auction/application"
	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/shared/logger"
	"github.com/cristianortiz/livestockBidding/internal/shared/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

const reasonInternal = "bid could not be processed, try again"

// AuctionWSHandler handles the ws inbound msgs wich are specific for auction module (remember is a bounded context)
type AuctionWSHandler struct {
	auctionService application.AuctionService // application layer dependency
	hub            *websocket.Hub             // shared hub dependency to send msgs

	// messages waiting per client; a client is in the map while its drain goroutine runs
	mu     sync.Mutex
	queues map[*websocket.Client][][]byte
}

// NewAuctionWSHandler creates a new instance of AuctionWSHandler
func NewAuctionWSHandler(auctionService application.AuctionService, hub *websocket.Hub) *AuctionWSHandler {
	return &AuctionWSHandler{
		auctionService: auctionService,
		hub:            hub,
		queues:         make(map[*websocket.Client][][]byte),
	}
}

// ListenForMessages listens the Hub inbound channel until ctx is cancelled.
// Messages of one client are processed in the order they arrived, different
// clients are processed concurrently.
func (h *AuctionWSHandler) ListenForMessages(ctx context.Context) {
	log.Info("AuctionWSHandler started listening for inbound messages from hub")
	for {
		select {
		case <-ctx.Done():
			log.Info("AuctionWSHandler stopped listening for inbound messages from hub")
			return
		case msg := <-h.hub.InboundMessages:
			h.dispatch(ctx, msg.Client, msg.Data)
		}
	}
}

// dispatch queues data behind the client's earlier messages, starting a drain
// goroutine when the client has none running.
func (h *AuctionWSHandler) dispatch(ctx context.Context, client *websocket.Client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	queue, running := h.queues[client]
	h.queues[client] = append(queue, data)
	if !running {
		go h.drain(ctx, client)
	}
}

// drain processes the client's messages one at a time and exits once its queue is empty.
func (h *AuctionWSHandler) drain(ctx context.Context, client *websocket.Client) {
	for {
		h.mu.Lock()
		queue := h.queues[client]
		if len(queue) == 0 {
			delete(h.queues, client)
			h.mu.Unlock()
			return
		}
		data := queue[0]
		h.queues[client] = queue[1:]
		h.mu.Unlock()

		h.processMessage(ctx, client, data)
	}
}

// processMessage dispatch the message by this type
func (h *AuctionWSHandler) processMessage(ctx context.Context, client *websocket.Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("AuctionWSHandler: Recovered from panic while processing message",
				zap.String("clientID", client.ID),
				zap.Any("panic", r),
			)
		}
	}()

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.sendError(ctx, client, "invalid message format")
		return
	}
	switch env.Type {
	case MessageTypeJoinLot:
		h.handleJoinLot(ctx, client, env.Payload)
	case MessageTypeLeaveLot:
		h.handleLeaveLot(ctx, client, env.Payload)
	case MessageTypePlaceBid:
		h.handlePlaceBid(ctx, client, env.Payload)
	default:
		h.sendError(ctx, client, "unknown message type")
	}
}

// handleJoinLot adds the client to the lot room before reading the snapshot: a bid
// accepted in between shows up both in lotData and as a bidUpdate, never in neither.
// Clients drop bidUpdates whose totalBids is not above the snapshot's.
func (h *AuctionWSHandler) handleJoinLot(ctx context.Context, client *websocket.Client, raw json.RawMessage) {
	var ref LotRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.LotID == uuid.Nil {
		h.sendError(ctx, client, "invalid joinLot payload")
		return
	}

	// unknown lots never get a room
	if _, err := h.auctionService.GetLotState(ctx, ref.LotID); err != nil {
		h.sendError(ctx, client, lotErrorMessage(err))
		return
	}

	first, err := h.hub.Join(ctx, client, ref.LotID.String())
	if err != nil {
		log.Warn("AuctionWSHandler: Failed to join lot room",
			zap.String("clientID", client.ID),
			zap.String("lotID", ref.LotID.String()),
			zap.Error(err),
		)
		return
	}
	log.Debug("AuctionWSHandler: Client joined lot",
		zap.String("clientID", client.ID),
		zap.String("lotID", ref.LotID.String()),
		zap.Bool("firstObserver", first),
	)

	// read again after joining: anything accepted from here on is also broadcast to the client
	state, err := h.auctionService.GetLotState(ctx, ref.LotID)
	if err != nil {
		h.sendError(ctx, client, lotErrorMessage(err))
		return
	}
	data, err := encodeLotData(state)
	if err != nil {
		log.Error("AuctionWSHandler: Failed to marshal lotData", zap.Error(err))
		return
	}
	h.send(ctx, client, data)
}

func (h *AuctionWSHandler) handleLeaveLot(ctx context.Context, client *websocket.Client, raw json.RawMessage) {
	var ref LotRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.LotID == uuid.Nil {
		h.sendError(ctx, client, "invalid leaveLot payload")
		return
	}
	if err := h.hub.Leave(ctx, client, ref.LotID.String()); err != nil {
		log.Warn("AuctionWSHandler: Failed to leave lot room",
			zap.String("clientID", client.ID),
			zap.String("lotID", ref.LotID.String()),
			zap.Error(err),
		)
	}
}

func (h *AuctionWSHandler) handlePlaceBid(ctx context.Context, client *websocket.Client, raw json.RawMessage) {
	var p PlaceBidPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// non numeric amounts end up here
		h.reject(ctx, client, p.LotID, domain.ErrInvalidAmount.Error(), nil)
		return
	}
	if p.LotID == uuid.Nil {
		h.sendError(ctx, client, "lotId is required")
		return
	}

	userID, ok := h.bidderFor(client, p.UserID)
	if !ok {
		h.reject(ctx, client, p.LotID, "userId does not match the connection", nil)
		return
	}

	cmd := application.PlaceBidDTO{
		LotID:      p.LotID,
		UserID:     userID,
		BidderName: p.User,
		Amount:     p.Amount,
	}
	// the accepted bid reaches the submitter through the room broadcast
	if _, err := h.auctionService.PlaceBid(ctx, cmd); err != nil {
		h.rejectBid(ctx, client, p.LotID, err)
	}
}

// bidderFor binds the bid to the connection's user when the handshake carried one.
func (h *AuctionWSHandler) bidderFor(client *websocket.Client, claimed uuid.UUID) (uuid.UUID, bool) {
	if client.UserID == "" {
		return claimed, true
	}
	bound, err := uuid.Parse(client.UserID)
	if err != nil {
		return claimed, true
	}
	if claimed != uuid.Nil && claimed != bound {
		return uuid.Nil, false
	}
	return bound, true
}

func (h *AuctionWSHandler) rejectBid(ctx context.Context, client *websocket.Client, lotID uuid.UUID, err error) {
	var stale *domain.StaleBidError
	switch {
	case errors.As(err, &stale):
		current := stale.CurrentBid
		h.reject(ctx, client, lotID, stale.Error(), &current)
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidBidder),
		errors.Is(err, domain.ErrLotNotActive),
		errors.Is(err, domain.ErrLotNotFound):
		h.reject(ctx, client, lotID, rootMessage(err), h.currentBid(ctx, lotID))
	default:
		log.Error("AuctionWSHandler: Bid failed",
			zap.String("clientID", client.ID),
			zap.String("lotID", lotID.String()),
			zap.Error(err),
		)
		h.reject(ctx, client, lotID, reasonInternal, nil)
	}
}

// currentBid is best effort, a rejection is still sent without it.
func (h *AuctionWSHandler) currentBid(ctx context.Context, lotID uuid.UUID) *float64 {
	state, err := h.auctionService.GetLotState(ctx, lotID)
	if err != nil {
		return nil
	}
	return &state.CurrentBid
}

func (h *AuctionWSHandler) reject(ctx context.Context, client *websocket.Client, lotID uuid.UUID, reason string, current *float64) {
	data, err := encode(MessageTypeBidRejected, BidRejectedPayload{LotID: lotID, Reason: reason, CurrentBid: current})
	if err != nil {
		log.Error("AuctionWSHandler: Failed to marshal bidRejected", zap.Error(err))
		return
	}
	h.send(ctx, client, data)
}

// sendError serializes and sends an error msg to a specific client
func (h *AuctionWSHandler) sendError(ctx context.Context, client *websocket.Client, message string) {
	data, err := encode(MessageTypeError, ErrorPayload{Error: message})
	if err != nil {
		log.Error("AuctionWSHandler: Failed to marshal error message", zap.Error(err))
		return
	}
	h.send(ctx, client, data)
}

func (h *AuctionWSHandler) send(ctx context.Context, client *websocket.Client, data []byte) {
	if err := h.hub.SendTo(ctx, client, data); err != nil {
		log.Warn("AuctionWSHandler: Could not queue message for client",
			zap.String("clientID", client.ID),
			zap.Error(err),
		)
	}
}

func lotErrorMessage(err error) string {
	if errors.Is(err, domain.ErrLotNotFound) {
		return domain.ErrLotNotFound.Error()
	}
	log.Error("AuctionWSHandler: Failed to read lot state", zap.Error(err))
	return "lot state unavailable"
}

// rootMessage strips the use case wrapping from a sentinel error.
func rootMessage(err error) string {
	for _, sentinel := range []error{
		domain.ErrInvalidAmount,
		domain.ErrInvalidBidder,
		domain.ErrLotNotActive,
		domain.ErrLotNotFound,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

// RoomBroadcaster fans accepted bids out to the lot room.
type RoomBroadcaster struct {
	hub *websocket.Hub
}

func NewRoomBroadcaster(hub *websocket.Hub) *RoomBroadcaster {
	return &RoomBroadcaster{hub: hub}
}

// BroadcastBidUpdate implements application.BidBroadcaster.
func (b *RoomBroadcaster) BroadcastBidUpdate(ctx context.Context, u application.BidUpdate) error {
	data, err := encodeBidUpdate(u)
	if err != nil {
		return err
	}
	return b.hub.Broadcast(ctx, u.LotID.String(), data)
}
