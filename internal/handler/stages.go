package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/booking-settlement/internal/settlement"
)

// StageRunner runs settlement stages by name.
type StageRunner interface {
	Stages() []string
	RunOne(ctx context.Context, name string) (settlement.Report, error)
}

// StageHandler exposes manual stage runs to operators.
type StageHandler struct {
	Runner StageRunner
}

// NewStageHandler returns a handler running stages on r.
func NewStageHandler(r StageRunner) *StageHandler {
	return &StageHandler{Runner: r}
}

// List returns the registered stage names in pipeline order.
func (h *StageHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"stages": h.Runner.Stages()})
}

// Run runs the stage named in the path synchronously and returns its
// report.  An unknown stage yields 404 and a stage already running on
// another replica yields 409.
func (h *StageHandler) Run(c echo.Context) error {
	name := c.Param("name")
	// A dropped connection must not abort a run halfway through a batch.
	ctx := context.WithoutCancel(c.Request().Context())

	rep, err := h.Runner.RunOne(ctx, name)
	switch {
	case errors.Is(err, settlement.ErrUnknownStage):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown stage", "stage": name})
	case errors.Is(err, settlement.ErrStageBusy):
		return c.JSON(http.StatusConflict, echo.Map{"error": "stage already running", "stage": name})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error(), "report": rep})
	}
	return c.JSON(http.StatusOK, rep)
}
