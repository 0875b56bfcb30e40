package exam

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/platform/auth"
	"github.com/ehr/clinexam/internal/session"
	"github.com/ehr/clinexam/pkg/pagination"
)

// Catalog is the read side of the form registry.
type Catalog interface {
	Form(id string) (*engine.Form, bool)
	List() []engine.FormInfo
}

// Handler provides HTTP handlers for forms, live sessions and completed
// exams.
type Handler struct {
	svc      *Service
	forms    Catalog
	sessions *session.Manager
}

func NewHandler(svc *Service, forms Catalog, sessions *session.Manager) *Handler {
	return &Handler{svc: svc, forms: forms, sessions: sessions}
}

// ClinicalAccess admits the roles allowed to see examination findings.
func ClinicalAccess() echo.MiddlewareFunc {
	return auth.RequireRole("physician", "nurse")
}

// RegisterRoutes registers all exam routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := ClinicalAccess()

	read := api.Group("", clinical)
	read.GET("/forms", h.ListForms)
	read.GET("/forms/:id", h.GetForm)
	read.GET("/sessions", h.ListSessions)
	read.GET("/sessions/:id", h.GetSession)
	read.GET("/sessions/:id/journal", h.GetJournal)
	read.GET("/exams", h.ListExams)
	read.GET("/exams/:id", h.GetExam)

	write := api.Group("", clinical)
	write.POST("/sessions", h.StartSession)
	write.DELETE("/sessions/:id", h.DiscardSession)
	write.PUT("/sessions/:id/answers/:phase/:field", h.SetAnswer)
	write.DELETE("/sessions/:id/answers/:phase/:field", h.ClearAnswer)
	write.POST("/sessions/:id/advance", h.AdvancePhase)
	write.POST("/sessions/:id/retreat", h.RetreatPhase)
	write.POST("/sessions/:id/review", h.ReviewPhase)

	// Only physicians sign off an examination.
	api.POST("/sessions/:id/complete", h.CompleteSession, auth.RequireRole("physician"))
}

// -- Forms --

// FormView is the client-facing description of a form.
type FormView struct {
	engine.FormInfo
	Phases      []engine.Phase `json:"phases"`
	Instruments []string       `json:"instruments"`
	Rules       int            `json:"rules"`
	Flags       []string       `json:"flags"`
}

func newFormView(f *engine.Form) FormView {
	v := FormView{
		FormInfo: f.FormInfo,
		Phases:   f.Schema.Phases(),
		Rules:    len(f.Rules),
		Flags:    f.FlagIDs(),
	}
	for _, in := range f.Instruments {
		v.Instruments = append(v.Instruments, in.ID())
	}
	return v
}

func (h *Handler) ListForms(c echo.Context) error {
	forms := h.forms.List()
	return c.JSON(http.StatusOK, pagination.NewResponse(forms, len(forms), len(forms), 0))
}

func (h *Handler) GetForm(c echo.Context) error {
	f, ok := h.forms.Form(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "form not found")
	}
	return c.JSON(http.StatusOK, newFormView(f))
}

// -- Sessions --

type startRequest struct {
	FormID string `json:"form_id"`
}

func (h *Handler) StartSession(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.FormID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "form_id is required")
	}
	s, err := h.sessions.Start(c.Request().Context(), req.FormID)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusCreated, s.View())
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	all := h.sessions.List()
	views := make([]session.View, 0, pg.Limit)
	for i := pg.Offset; i < len(all) && i < pg.Offset+pg.Limit; i++ {
		views = append(views, all[i].View())
	}
	resp := pagination.NewResponse(views, len(all), pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL, len(all))
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) session(c echo.Context) (*session.Session, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.sessions.Get(id)
	if err != nil {
		return nil, sessionError(err)
	}
	return s, nil
}

func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.View())
}

func (h *Handler) DiscardSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.sessions.Discard(id); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetJournal(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Journal())
}

type answerRequest struct {
	Value json.RawMessage `json:"value"`
}

// SetAnswer hands the raw value to the session, which decodes it with the
// field's declared kind.
func (h *Handler) SetAnswer(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	key := engine.Key(c.Param("phase"), c.Param("field"))
	if _, ok := s.Form().Schema.Field(key); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown field "+string(key))
	}
	var req answerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Value) == 0 || string(req.Value) == "null" {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required; use DELETE to clear an answer")
	}
	snap, err := s.SetRawAnswer(c.Request().Context(), key, req.Value)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) ClearAnswer(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := s.ClearAnswer(c.Request().Context(), engine.Key(c.Param("phase"), c.Param("field")))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) AdvancePhase(c echo.Context) error {
	return h.navigate(c, (*session.Session).AdvancePhase)
}

func (h *Handler) RetreatPhase(c echo.Context) error {
	return h.navigate(c, (*session.Session).RetreatPhase)
}

func (h *Handler) ReviewPhase(c echo.Context) error {
	return h.navigate(c, (*session.Session).ReviewPhase)
}

func (h *Handler) navigate(c echo.Context, move func(*session.Session) (session.Position, error)) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	pos, err := move(s)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, pos)
}

type completeResponse struct {
	Snapshot *engine.Snapshot `json:"snapshot"`
	Exam     *CompletedExam   `json:"exam,omitempty"`
}

func (h *Handler) CompleteSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	snap, err := s.Complete(ctx)
	if errors.Is(err, session.ErrIncomplete) {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"message":  err.Error(),
			"progress": snap.Progress,
		})
	}
	if err != nil && snap == nil {
		return sessionError(err)
	}
	if err != nil {
		// The session is completed; only the hand-off failed.
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := completeResponse{Snapshot: snap}
	if e, err := h.svc.GetExamBySession(ctx, s.ID()); err == nil {
		resp.Exam = e
	}
	return c.JSON(http.StatusOK, resp)
}

// -- Completed exams --

func (h *Handler) ListExams(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		FormID:    c.QueryParam("form_id"),
		Specialty: c.QueryParam("specialty"),
		Severity:  c.QueryParam("severity"),
	}
	if f.Severity != "" {
		sev, ok := engine.ParseSeverity(f.Severity)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown severity "+f.Severity)
		}
		f.Severity = string(sev)
	}
	items, total, err := h.svc.ListExams(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL, total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetExam(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.GetExam(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "completed exam not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

// sessionError maps engine and session errors to HTTP errors.
func sessionError(err error) error {
	var in *engine.InputError
	switch {
	case errors.As(err, &in):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, in.Error())
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrUnknownForm):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionCompleted), errors.Is(err, session.ErrIncomplete),
		errors.Is(err, session.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoNextPhase), errors.Is(err, session.ErrNoPreviousPhase):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
