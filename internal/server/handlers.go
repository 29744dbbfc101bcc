package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/wonderhq/wonder/internal/resource"
	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// httpError maps the error taxonomy onto status codes.
func httpError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, resource.ErrNotFound) || errors.Is(err, coordinator.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.KindOf(err) == errors.KindValidation:
		status = http.StatusBadRequest
	}
	return c.JSON(status, errorResponse{Error: err.Error(), Kind: string(errors.KindOf(err))})
}

func (s *Server) handleSaveWorkflow(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httpError(c, err)
	}
	def, err := workflow.ParseDefinition(body)
	if err != nil {
		return httpError(c, err)
	}
	if _, err := workflow.Validate(def); err != nil {
		return httpError(c, err)
	}
	if err := s.store.SaveDefinition(c.Request().Context(), def); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"reference": def.Reference,
		"version":   def.Version,
	})
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	ref, err := workflow.ParseRef(c.Param("ref"))
	if err != nil {
		return httpError(c, &errors.ValidationError{Field: "ref", Message: err.Error()})
	}
	def, err := s.store.ResolveDefinition(c.Request().Context(), ref.Reference, ref.Version)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

type saveTaskRequest struct {
	Reference string         `json:"reference"`
	Version   string         `json:"version"`
	Task      *workflow.Task `json:"task"`
}

func (s *Server) handleSaveTask(c echo.Context) error {
	var req saveTaskRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, &errors.ValidationError{Field: "body", Message: err.Error()})
	}
	if req.Reference == "" || req.Task == nil {
		return httpError(c, &errors.ValidationError{Field: "body", Message: "reference and task are required"})
	}
	if err := s.store.SaveTask(c.Request().Context(), req.Reference, req.Version, req.Task); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"reference": req.Reference, "version": req.Version})
}

type saveActionRequest struct {
	Reference string           `json:"reference"`
	Version   string           `json:"version"`
	Action    *workflow.Action `json:"action"`
}

func (s *Server) handleSaveAction(c echo.Context) error {
	var req saveActionRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, &errors.ValidationError{Field: "body", Message: err.Error()})
	}
	if req.Reference == "" || req.Action == nil {
		return httpError(c, &errors.ValidationError{Field: "body", Message: "reference and action are required"})
	}
	if err := s.store.SaveAction(c.Request().Context(), req.Reference, req.Version, req.Action); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"reference": req.Reference, "version": req.Version})
}

type startRunRequest struct {
	Workflow  string         `json:"workflow"`
	Input     map[string]any `json:"input"`
	Trace     bool           `json:"trace"`
	TimeoutMs int64          `json:"timeoutMs"`
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, &errors.ValidationError{Field: "body", Message: err.Error()})
	}
	ref, err := workflow.ParseRef(req.Workflow)
	if err != nil {
		return httpError(c, &errors.ValidationError{Field: "workflow", Message: err.Error()})
	}

	opts := coordinator.StartOptions{EnableTrace: req.Trace}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	runID, err := s.coord.StartRun(c.Request().Context(), ref, req.Input, opts)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"runId": runID})
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return httpError(c, &errors.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
		}
		limit = n
	}
	runs, err := s.store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return httpError(c, err)
	}
	if runs == nil {
		runs = []*resource.RunRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	runID := c.Param("id")
	// Live runs come from the coordinator; finished ones fall back to the
	// store, which outlives the actor.
	info, err := s.coord.GetRun(runID)
	if err == nil {
		return c.JSON(http.StatusOK, info)
	}
	rec, storeErr := s.store.LoadRun(c.Request().Context(), runID)
	if storeErr != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	if err := s.coord.CancelRun(c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleRunContext(c echo.Context) error {
	snapshot, err := s.coord.Snapshot(c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleRunEvents(c echo.Context) error {
	stream := coordinator.StreamEvents
	if raw := c.QueryParam("stream"); raw != "" {
		switch coordinator.Stream(raw) {
		case coordinator.StreamEvents, coordinator.StreamTrace:
			stream = coordinator.Stream(raw)
		default:
			return httpError(c, &errors.ValidationError{Field: "stream", Message: "must be events or trace"})
		}
	}
	from, err := sequenceParam(c.QueryParam("from"))
	if err != nil {
		return httpError(c, &errors.ValidationError{Field: "from", Message: err.Error()})
	}
	to, err := sequenceParam(c.QueryParam("to"))
	if err != nil {
		return httpError(c, &errors.ValidationError{Field: "to", Message: err.Error()})
	}

	events, err := s.coord.Events(c.Request().Context(), c.Param("id"), stream, from, to)
	if err != nil {
		return httpError(c, err)
	}
	if events == nil {
		events = []coordinator.Event{}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func sequenceParam(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
