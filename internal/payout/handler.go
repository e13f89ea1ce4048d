package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kelmah-platform/escrow-engine/internal/storage"
)

// Handler exposes the payout queue to operators.
type Handler struct {
	store  storage.Store
	worker *Worker
}

func NewHandler(store storage.Store, worker *Worker) *Handler {
	return &Handler{store: store, worker: worker}
}

// Register mounts the payout admin routes.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/payouts/queue", h.Queue)
	g.POST("/payouts/:id/cancel", h.Cancel)
}

func (h *Handler) Queue(c echo.Context) error {
	status := c.QueryParam("status")
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
		limit = n
	}

	entries, err := h.store.ListPayouts(c.Request().Context(), status, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not list payout queue"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) Cancel(c echo.Context) error {
	err := h.worker.Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, echo.Map{"message": "payout cancelled"})
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "payout not found"})
	case errors.Is(err, ErrNotCancellable):
		return c.JSON(http.StatusConflict, echo.Map{"error": "payout already processing or finished"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not cancel payout"})
	}
}
