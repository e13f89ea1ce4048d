package reconcile

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kelmah-platform/escrow-engine/internal/logger"
	"github.com/kelmah-platform/escrow-engine/internal/provider"
)

// maxWebhookBody caps provider webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// Handler receives provider webhooks and feeds them to the guard.
type Handler struct {
	providers *provider.Registry
	guard     *Guard
}

func NewHandler(providers *provider.Registry, guard *Guard) *Handler {
	return &Handler{providers: providers, guard: guard}
}

// Register mounts the webhook route. Callers attach rate limiting at
// the group level; webhooks carry provider signatures instead of JWTs.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/webhooks/:provider", h.Receive)
}

func (h *Handler) Receive(c echo.Context) error {
	adapter, err := h.providers.Get(c.Param("provider"))
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown provider"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "could not read body"})
	}

	out, err := adapter.ParseWebhook(c.Request().Header, body)
	if err != nil {
		logger.Warn("webhook rejected provider=%s: %v", adapter.Name(), err)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid webhook"})
	}

	if err := h.guard.ApplyOutcome(c.Request().Context(), adapter.Name(), out); err != nil {
		logger.Error("webhook apply failed provider=%s ref=%s: %v", adapter.Name(), out.ProviderTxnID, err)
		// Non-2xx makes the provider redeliver; reconciliation is
		// idempotent so a retry is safe.
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not process webhook"})
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}
