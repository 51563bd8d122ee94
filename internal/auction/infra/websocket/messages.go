package websocket

import (
	"encoding/json"

	"github.com/cristianortiz/livestockBidding/internal/auction/application"
	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/google/uuid"
)

// MessageType defines ws type message
type MessageType string

const (
	MessageTypeJoinLot  MessageType = "joinLot"  // client msg to start observing a lot
	MessageTypeLeaveLot MessageType = "leaveLot" // client msg to stop observing a lot
	MessageTypePlaceBid MessageType = "placeBid" // client msg to make a bid

	MessageTypeLotData     MessageType = "lotData"     // server msg with the lot snapshot, sent on join
	MessageTypeBidUpdate   MessageType = "bidUpdate"   // server msg broadcast to the room on every accepted bid
	MessageTypeBidRejected MessageType = "bidRejected" // server msg sent to the submitter only
	MessageTypeError       MessageType = "error"       // server msg for malformed requests
)

// Envelope is the frame shared by every ws message; Payload is decoded once Type is known.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LotRef is the payload of joinLot and leaveLot.
type LotRef struct {
	LotID uuid.UUID `json:"lotId"`
}

// PlaceBidPayload is sent by the client to make a bid. User is the display name.
type PlaceBidPayload struct {
	LotID  uuid.UUID `json:"lotId"`
	Amount float64   `json:"amount"`
	User   string    `json:"user"`
	UserID uuid.UUID `json:"userId"`
}

// BidUpdatePayload is the room broadcast for an accepted bid.
type BidUpdatePayload struct {
	LotID      uuid.UUID  `json:"lotId"`
	CurrentBid float64    `json:"currentBid"`
	TotalBids  int        `json:"totalBids"`
	Bid        domain.Bid `json:"bid"`
}

// BidRejectedPayload tells the submitter why its bid lost and what it has to beat.
type BidRejectedPayload struct {
	LotID      uuid.UUID `json:"lotId"`
	Reason     string    `json:"reason"`
	CurrentBid *float64  `json:"currentBid,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type outbound struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

func encode(t MessageType, payload any) ([]byte, error) {
	return json.Marshal(outbound{Type: t, Payload: payload})
}

func encodeLotData(state *application.LotStateDTO) ([]byte, error) {
	return encode(MessageTypeLotData, state)
}

func encodeBidUpdate(u application.BidUpdate) ([]byte, error) {
	return encode(MessageTypeBidUpdate, BidUpdatePayload{
		LotID:      u.LotID,
		CurrentBid: u.CurrentBid,
		TotalBids:  u.TotalBids,
		Bid:        u.Bid,
	})
}
