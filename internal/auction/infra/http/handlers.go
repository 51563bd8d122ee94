package http

import (
	"errors"

	"github.com/cristianortiz/livestockBidding/internal/auction/application"
	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/shared/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// AuctionHTTPHandler exposes the auction use cases over HTTP.
type AuctionHTTPHandler struct {
	auctionService application.AuctionService
}

func NewAuctionHTTPHandler(auctionService application.AuctionService) *AuctionHTTPHandler {
	return &AuctionHTTPHandler{auctionService: auctionService}
}

// RegisterRoutes mounts the auction endpoints on router.
func (h *AuctionHTTPHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/auctions/:id/finalize", h.FinalizeAuction)
	router.Patch("/lots/:lotId", h.PlaceBid)
	router.Get("/lots/:lotId/live", h.GetLotState)
}

// PlaceBidRequest is the slow path body: {"bid":{"userId":"…","amount":160}}.
type PlaceBidRequest struct {
	Bid struct {
		UserID uuid.UUID `json:"userId"`
		User   string    `json:"user"`
		Amount float64   `json:"amount"`
	} `json:"bid"`
}

// PlaceBidResponse is returned for an accepted slow path bid.
type PlaceBidResponse struct {
	Success bool       `json:"success"`
	Bid     domain.Bid `json:"bid"`
}

// ErrorResponse is the body of every failed request. CurrentBid is set on stale bids.
type ErrorResponse struct {
	Success    bool     `json:"success"`
	Error      string   `json:"error"`
	CurrentBid *float64 `json:"currentBid,omitempty"`
}

// FinalizeAuction handles POST /auctions/:id/finalize.
func (h *AuctionHTTPHandler) FinalizeAuction(c *fiber.Ctx) error {
	auctionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid auction id"})
	}

	report, err := h.auctionService.FinalizeAuction(c.UserContext(), auctionID)
	if err != nil {
		if report != nil {
			// lots were resolved but the auction could not be marked completed
			log.Error("AuctionHTTPHandler: Finalization incomplete",
				zap.String("auctionID", auctionID.String()),
				zap.Error(err),
			)
			return c.Status(fiber.StatusInternalServerError).JSON(report)
		}
		return h.writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

// PlaceBid handles PATCH /lots/:lotId, the fallback for clients without a live connection.
// The bid goes through the same arbiter as the live channel.
func (h *AuctionHTTPHandler) PlaceBid(c *fiber.Ctx) error {
	lotID, err := uuid.Parse(c.Params("lotId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid lot id"})
	}

	var req PlaceBidRequest
	if err := c.BodyParser(&req); err != nil {
		log.Warn("AuctionHTTPHandler: Malformed bid body", zap.String("lotID", lotID.String()), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: domain.ErrInvalidAmount.Error()})
	}

	bid, err := h.auctionService.PlaceBid(c.UserContext(), application.PlaceBidDTO{
		LotID:      lotID,
		UserID:     req.Bid.UserID,
		BidderName: req.Bid.User,
		Amount:     req.Bid.Amount,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(PlaceBidResponse{Success: true, Bid: *bid})
}

// GetLotState handles GET /lots/:lotId/live.
func (h *AuctionHTTPHandler) GetLotState(c *fiber.Ctx) error {
	lotID, err := uuid.Parse(c.Params("lotId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid lot id"})
	}
	state, err := h.auctionService.GetLotState(c.UserContext(), lotID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(state)
}

func (h *AuctionHTTPHandler) writeError(c *fiber.Ctx, err error) error {
	var stale *domain.StaleBidError
	if errors.As(err, &stale) {
		current := stale.CurrentBid
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: stale.Error(), CurrentBid: &current})
	}

	status, sentinel := statusFor(err)
	if sentinel == nil {
		log.Error("AuctionHTTPHandler: Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return c.Status(status).JSON(ErrorResponse{Error: "internal server error"})
	}
	return c.Status(status).JSON(ErrorResponse{Error: sentinel.Error()})
}

var errorStatuses = []struct {
	err    error
	status int
}{
	{domain.ErrInvalidAmount, fiber.StatusBadRequest},
	{domain.ErrInvalidBidder, fiber.StatusBadRequest},
	{domain.ErrLotNotActive, fiber.StatusConflict},
	{domain.ErrLotNotFound, fiber.StatusNotFound},
	{domain.ErrAuctionNotFound, fiber.StatusNotFound},
	{domain.ErrAlreadyFinalized, fiber.StatusBadRequest},
	{domain.ErrAuctionNotPublished, fiber.StatusBadRequest},
	{domain.ErrUnreconciledBids, fiber.StatusConflict},
	{domain.ErrArbiterStopped, fiber.StatusServiceUnavailable},
}

// statusFor maps a domain error to its HTTP status; unknown errors are 500 with a nil sentinel.
func statusFor(err error) (int, error) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.err
		}
	}
	return fiber.StatusInternalServerError, nil
}
