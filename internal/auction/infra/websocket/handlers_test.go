package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/auction/application"
	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/shared/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeAuctionService struct {
	mu       sync.Mutex
	states   map[uuid.UUID]*application.LotStateDTO
	placeErr error
	placed   []application.PlaceBidDTO
	panics   bool
	// delay slows every call down, as a cold lot state load would
	delay time.Duration
}

func (f *fakeAuctionService) PlaceBid(_ context.Context, cmd application.PlaceBidDTO) (*domain.Bid, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	f.placed = append(f.placed, cmd)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &domain.Bid{ID: uuid.New(), LotID: cmd.LotID, UserID: cmd.UserID, Amount: cmd.Amount}, nil
}

func (f *fakeAuctionService) GetLotState(_ context.Context, lotID uuid.UUID) (*application.LotStateDTO, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[lotID]
	if !ok {
		return nil, fmt.Errorf("get lot state use case: %w", domain.ErrLotNotFound)
	}
	cp := *st
	return &cp, nil
}

func (f *fakeAuctionService) FinalizeAuction(context.Context, uuid.UUID) (*application.FinalizationReport, error) {
	return nil, errors.New("not used")
}

func (f *fakeAuctionService) Placed() []application.PlaceBidDTO {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]application.PlaceBidDTO(nil), f.placed...)
}

type wsFixture struct {
	hub     *websocket.Hub
	svc     *fakeAuctionService
	handler *AuctionWSHandler
	lotID   uuid.UUID
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := websocket.NewHub(websocket.HubOptions{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	lotID := uuid.New()
	svc := &fakeAuctionService{states: map[uuid.UUID]*application.LotStateDTO{
		lotID: {LotID: lotID, Status: "active", Open: true, StartingBid: 100, CurrentBid: 150, TotalBids: 1},
	}}
	return &wsFixture{hub: hub, svc: svc, handler: NewAuctionWSHandler(svc, hub), lotID: lotID}
}

func (f *wsFixture) connect(t *testing.T, id string) *websocket.Client {
	t.Helper()
	client := websocket.NewClient(f.hub, nil, id)
	require.NoError(t, f.hub.Register(context.Background(), client))
	return client
}

func (f *wsFixture) send(client *websocket.Client, msgType MessageType, payload any) {
	f.handler.processMessage(context.Background(), client, frame(msgType, payload))
}

// listen runs the handler loop the way main does, fed through the hub's inbound channel.
func (f *wsFixture) listen(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ListenForMessages(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *wsFixture) inbound(client *websocket.Client, msgType MessageType, payload any) {
	f.hub.InboundMessages <- &websocket.ClientMessage{Client: client, Data: frame(msgType, payload)}
}

func frame(msgType MessageType, payload any) []byte {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(Envelope{Type: msgType, Payload: raw})
	return data
}

type received struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func next(t *testing.T, client *websocket.Client) received {
	t.Helper()
	select {
	case data := <-client.Send:
		var msg received
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered to client")
		return received{}
	}
}

func TestAuctionWSHandler_JoinLotSendsSnapshot(t *testing.T) {
	f := newWSFixture(t)
	client := f.connect(t, "c1")

	f.send(client, MessageTypeJoinLot, LotRef{LotID: f.lotID})

	msg := next(t, client)
	require.Equal(t, MessageTypeLotData, msg.Type)
	var state application.LotStateDTO
	require.NoError(t, json.Unmarshal(msg.Payload, &state))
	require.Equal(t, f.lotID, state.LotID)
	require.Equal(t, 150.0, state.CurrentBid)
	require.Equal(t, 1, state.TotalBids)

	size, err := f.hub.RoomSize(context.Background(), f.lotID.String())
	require.NoError(t, err)
	require.Equal(t, 1, size)

	f.send(client, MessageTypeLeaveLot, LotRef{LotID: f.lotID})
	size, err = f.hub.RoomSize(context.Background(), f.lotID.String())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestAuctionWSHandler_JoinThenLeaveKeepsOrder(t *testing.T) {
	f := newWSFixture(t)
	f.svc.delay = 20 * time.Millisecond
	f.listen(t)
	client := f.connect(t, "c1")

	f.inbound(client, MessageTypeJoinLot, LotRef{LotID: f.lotID})
	f.inbound(client, MessageTypeLeaveLot, LotRef{LotID: f.lotID})

	// the client was in the room when lotData went out; the leave comes after it
	require.Equal(t, MessageTypeLotData, next(t, client).Type)
	require.Eventually(t, func() bool {
		size, err := f.hub.RoomSize(context.Background(), f.lotID.String())
		return err == nil && size == 0
	}, time.Second, 5*time.Millisecond)
	// the drain goroutine exits once the client has nothing queued
	require.Eventually(t, func() bool {
		f.handler.mu.Lock()
		defer f.handler.mu.Unlock()
		return len(f.handler.queues) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAuctionWSHandler_BidsOfOneClientKeepOrder(t *testing.T) {
	f := newWSFixture(t)
	f.svc.delay = 5 * time.Millisecond
	f.listen(t)
	client := f.connect(t, "c1")
	other := f.connect(t, "c2")

	amounts := []float64{160, 170, 180, 190, 200}
	for _, amount := range amounts {
		f.inbound(client, MessageTypePlaceBid, PlaceBidPayload{LotID: f.lotID, Amount: amount, UserID: uuid.New()})
		f.inbound(other, MessageTypePlaceBid, PlaceBidPayload{LotID: f.lotID, Amount: amount + 1000, UserID: uuid.New()})
	}

	require.Eventually(t, func() bool { return len(f.svc.Placed()) == 2*len(amounts) }, 2*time.Second, 5*time.Millisecond)
	var got []float64
	for _, p := range f.svc.Placed() {
		if p.Amount < 1000 {
			got = append(got, p.Amount)
		}
	}
	require.Equal(t, amounts, got)
}

func TestAuctionWSHandler_JoinUnknownLot(t *testing.T) {
	f := newWSFixture(t)
	client := f.connect(t, "c1")
	missing := uuid.New()

	f.send(client, MessageTypeJoinLot, LotRef{LotID: missing})

	msg := next(t, client)
	require.Equal(t, MessageTypeError, msg.Type)
	require.JSONEq(t, `{"error":"auction lot not found"}`, string(msg.Payload))

	size, err := f.hub.RoomSize(context.Background(), missing.String())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestAuctionWSHandler_PlaceBidRejections(t *testing.T) {
	tests := []struct {
		name        string
		placeErr    error
		payload     any
		wantReason  string
		wantCurrent *float64
	}{
		{
			name:        "stale",
			placeErr:    &domain.StaleBidError{Amount: 140, CurrentBid: 150},
			wantReason:  "bid must exceed 150",
			wantCurrent: ptr(150),
		},
		{
			name:        "lot_closed",
			placeErr:    domain.ErrLotNotActive,
			wantReason:  domain.ErrLotNotActive.Error(),
			wantCurrent: ptr(150),
		},
		{
			name:       "non_numeric_amount",
			payload:    map[string]any{"amount": "a lot", "userId": uuid.NewString()},
			wantReason: domain.ErrInvalidAmount.Error(),
		},
		{
			name:       "store_unavailable",
			placeErr:   errors.New("place bid use case: connection refused"),
			wantReason: reasonInternal,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newWSFixture(t)
			f.svc.placeErr = tc.placeErr
			client := f.connect(t, "c1")

			payload := tc.payload
			if payload == nil {
				payload = PlaceBidPayload{LotID: f.lotID, Amount: 140, User: "Bruno", UserID: uuid.New()}
			} else if m, ok := payload.(map[string]any); ok {
				m["lotId"] = f.lotID.String()
			}
			f.send(client, MessageTypePlaceBid, payload)

			msg := next(t, client)
			require.Equal(t, MessageTypeBidRejected, msg.Type)
			var rejected BidRejectedPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &rejected))
			require.Equal(t, tc.wantReason, rejected.Reason)
			require.Equal(t, tc.wantCurrent, rejected.CurrentBid)
		})
	}
}

func TestAuctionWSHandler_PlaceBidUsesConnectionUser(t *testing.T) {
	f := newWSFixture(t)
	bound := uuid.New()
	client := f.connect(t, "c1")
	client.UserID = bound.String()

	f.send(client, MessageTypePlaceBid, PlaceBidPayload{LotID: f.lotID, Amount: 200, User: "Ana"})
	placed := f.svc.Placed()
	require.Len(t, placed, 1)
	require.Equal(t, bound, placed[0].UserID)
	require.Equal(t, "Ana", placed[0].BidderName)

	f.send(client, MessageTypePlaceBid, PlaceBidPayload{LotID: f.lotID, Amount: 300, UserID: uuid.New()})
	msg := next(t, client)
	require.Equal(t, MessageTypeBidRejected, msg.Type)
	require.Len(t, f.svc.Placed(), 1)
}

func TestAuctionWSHandler_MalformedMessages(t *testing.T) {
	f := newWSFixture(t)
	client := f.connect(t, "c1")

	f.handler.processMessage(context.Background(), client, []byte("not json"))
	require.Equal(t, MessageTypeError, next(t, client).Type)

	f.send(client, "bogus", nil)
	msg := next(t, client)
	require.Equal(t, MessageTypeError, msg.Type)
	require.JSONEq(t, `{"error":"unknown message type"}`, string(msg.Payload))
}

func TestAuctionWSHandler_RecoversFromPanic(t *testing.T) {
	f := newWSFixture(t)
	f.svc.panics = true
	client := f.connect(t, "c1")

	require.NotPanics(t, func() {
		f.send(client, MessageTypePlaceBid, PlaceBidPayload{LotID: f.lotID, Amount: 200, UserID: uuid.New()})
	})
}

func TestRoomBroadcaster_FansOutToRoom(t *testing.T) {
	f := newWSFixture(t)
	watcher := f.connect(t, "watcher")
	bidder := f.connect(t, "bidder")
	outsider := f.connect(t, "outsider")
	for _, c := range []*websocket.Client{watcher, bidder} {
		f.send(c, MessageTypeJoinLot, LotRef{LotID: f.lotID})
		require.Equal(t, MessageTypeLotData, next(t, c).Type)
	}

	bid := domain.Bid{ID: uuid.New(), LotID: f.lotID, UserID: uuid.New(), BidderName: "Bruno", Amount: 160, Sequence: 2}
	b := NewRoomBroadcaster(f.hub)
	require.NoError(t, b.BroadcastBidUpdate(context.Background(), application.BidUpdate{
		LotID: f.lotID, CurrentBid: 160, TotalBids: 2, Bid: bid,
	}))

	for _, c := range []*websocket.Client{watcher, bidder} {
		msg := next(t, c)
		require.Equal(t, MessageTypeBidUpdate, msg.Type)
		var update BidUpdatePayload
		require.NoError(t, json.Unmarshal(msg.Payload, &update))
		require.Equal(t, 160.0, update.CurrentBid)
		require.Equal(t, 2, update.TotalBids)
		require.Equal(t, f.lotID, update.LotID)
		require.Equal(t, bid.ID, update.Bid.ID)
		require.Equal(t, "Bruno", update.Bid.BidderName)
	}

	// the hub delivers a broadcast to the whole room in one step, so the outsider is settled too
	require.Empty(t, outsider.Send)
}

func ptr(v float64) *float64 { return &v }
