package escrow

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes escrow operations over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the escrow routes on an authenticated group.
func (h *Handler) Register(g *echo.Group, adminGuard echo.MiddlewareFunc) {
	g.POST("/escrows/fund", h.Fund)
	g.GET("/escrows/:id", h.Get)
	g.GET("/escrows/:id/transactions", h.Transactions)
	g.POST("/escrows/:id/milestones/:mid/complete", h.CompleteMilestone)
	g.POST("/escrows/:id/milestones/:mid/release", h.ReleaseMilestone)
	g.POST("/escrows/:id/refund", h.Refund)
	g.POST("/escrows/:id/dispute", h.Dispute)
	g.POST("/escrows/:id/dispute/resolve", h.ResolveDispute, adminGuard)
}

func (h *Handler) Fund(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized or invalid user"})
	}

	var in FundInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if in.HirerID == "" {
		in.HirerID = uid
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}

	e, err := h.svc.FundEscrow(c.Request().Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"escrow":  e,
		"message": "escrow funded",
	})
}

func (h *Handler) Get(c echo.Context) error {
	e, milestones, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"escrow":     e,
		"milestones": milestones,
	})
}

func (h *Handler) Transactions(c echo.Context) error {
	txns, err := h.svc.Transactions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": txns})
}

func (h *Handler) CompleteMilestone(c echo.Context) error {
	m, err := h.svc.CompleteMilestone(c.Request().Context(), c.Param("id"), c.Param("mid"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"milestone": m})
}

func (h *Handler) ReleaseMilestone(c echo.Context) error {
	var in ReleaseInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	in.EscrowID = c.Param("id")
	in.MilestoneID = c.Param("mid")
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}

	txn, err := h.svc.ReleaseMilestone(c.Request().Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"transaction": txn,
		"message":     "release queued for payout",
	})
}

func (h *Handler) Refund(c echo.Context) error {
	var in RefundInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	in.EscrowID = c.Param("id")
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}

	txn, err := h.svc.RefundEscrow(c.Request().Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"transaction": txn,
		"message":     "refund completed",
	})
}

func (h *Handler) Dispute(c echo.Context) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	if err := h.svc.OpenDispute(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "dispute opened"})
}

func (h *Handler) ResolveDispute(c echo.Context) error {
	var in ResolveInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	in.EscrowID = c.Param("id")
	if in.Outcome != "release" && in.Outcome != "refund" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "outcome must be release or refund"})
	}

	if err := h.svc.ResolveDispute(c.Request().Context(), in); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "dispute resolved: " + in.Outcome})
}

// writeError maps service errors onto HTTP statuses.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrRefundTooLarge):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, ErrDuplicateEscrow),
		errors.Is(err, ErrMilestoneNotCompleted),
		errors.Is(err, ErrEscrowNotFunded),
		errors.Is(err, ErrAlreadyReleased),
		errors.Is(err, ErrEscrowDisputed),
		errors.Is(err, ErrEscrowNotDisputed),
		errors.Is(err, ErrRefundConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, ErrChargeDeclined):
		return c.JSON(http.StatusPaymentRequired, echo.Map{"error": err.Error()})
	case errors.Is(err, ErrProviderUnavailable):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
