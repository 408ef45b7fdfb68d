package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, sessions Sessions, auth Authenticator, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(sessions, auth, logger))
	e.POST("/api/tasks", postTask(sessions, auth))
	e.PUT("/api/tasks/:id", putTask(sessions, auth))
	e.PATCH("/api/tasks/:id/status", patchTaskStatus(sessions, auth))
	e.DELETE("/api/tasks/:id", deleteTask(sessions, auth))
	e.GET("/api/tasks/:id/attachment", getAttachment(sessions, auth))
	e.GET("/api/stream", streamView(sessions, auth))
	e.GET("/healthz", healthz())
}

type outcomeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type createResponse struct {
	Task    domain.Task `json:"task"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
}

func respondOutcome(c echo.Context, out domain.Outcome) error {
	resp := outcomeResponse{Status: out.Kind.String(), Message: out.Message}
	switch out.Kind {
	case domain.OutcomeInvalid:
		return c.JSON(http.StatusBadRequest, resp)
	case domain.OutcomeFailure:
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(sessions Sessions, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newListRequestMetrics(ctx, logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		sess, release, acquireErr := sessions.Acquire(userID)
		if acquireErr != nil {
			metrics.SetErrorStage("session")
			c.Logger().Error(acquireErr)
			err = c.String(http.StatusInternalServerError, "failed to load tasks")
			return err
		}
		defer release()

		// The filter applies to this response only; retargeting the
		// owner's live stream takes the stream's own filter parameter.
		view := sess.View()
		if filter := c.QueryParam("filter"); filter != "" {
			var filterErr error
			view, filterErr = sess.ViewWith(filter)
			if filterErr != nil {
				metrics.SetErrorStage("invalid_filter")
				err = c.String(http.StatusBadRequest, filterErr.Error())
				return err
			}
		}
		metrics.SetTasksReturned(len(view.Tasks))
		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, view)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postTask(sessions Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		dueDate, err := parseDueDate(c.FormValue("dueDate"))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid due date")
		}
		attachment, err := readFormImage(c)
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid image upload")
		}

		sess, release, err := sessions.Acquire(userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to open session")
		}
		defer release()

		task, out := sess.Create(c.Request().Context(), domain.CreateTask{
			Title:       c.FormValue("title"),
			Description: c.FormValue("description"),
			Status:      domain.Status(c.FormValue("status")),
			DueDate:     dueDate,
			Attachment:  attachment,
		})
		if !out.Ok() {
			return respondOutcome(c, out)
		}
		return c.JSON(http.StatusCreated, createResponse{
			Task:    task,
			Status:  out.Kind.String(),
			Message: out.Message,
		})
	}
}

func putTask(sessions Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		dueDate, err := parseDueDate(c.FormValue("dueDate"))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid due date")
		}
		change, err := formAttachmentChange(c)
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid image upload")
		}

		sess, release, err := sessions.Acquire(userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to open session")
		}
		defer release()

		out := sess.Edit(c.Request().Context(), domain.EditTask{
			ID:          c.Param("id"),
			Title:       c.FormValue("title"),
			Description: c.FormValue("description"),
			Status:      domain.Status(c.FormValue("status")),
			DueDate:     dueDate,
			Attachment:  change,
		})
		return respondOutcome(c, out)
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

func patchTaskStatus(sessions Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
		dec.DisallowUnknownFields()
		var req statusRequest
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		sess, release, err := sessions.Acquire(userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to open session")
		}
		defer release()

		out := sess.ChangeStatus(c.Request().Context(), domain.ChangeStatus{
			ID:     c.Param("id"),
			Status: domain.Status(req.Status),
		})
		return respondOutcome(c, out)
	}
}

func deleteTask(sessions Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		sess, release, err := sessions.Acquire(userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to open session")
		}
		defer release()

		out := sess.Delete(c.Request().Context(), domain.DeleteTask{ID: c.Param("id")})
		return respondOutcome(c, out)
	}
}

func getAttachment(sessions Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		sess, release, err := sessions.Acquire(userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to open session")
		}
		defer release()

		view := sess.ResolveAttachment(c.Request().Context(), c.Param("id"))
		return c.JSON(http.StatusOK, view)
	}
}

// parseDueDate accepts RFC 3339 timestamps and bare dates. Empty means no due
// date.
func parseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// readFormImage returns the uploaded image bytes, nil when the field is
// absent. Reads stop one byte past the attachment gate so oversized uploads
// fail validation without buffering the whole payload.
func readFormImage(c echo.Context) ([]byte, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		if err == http.ErrMissingFile || err == http.ErrNotMultipart {
			return nil, nil
		}
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, domain.MaxAttachmentSize+1))
}

// formAttachmentChange maps the edit form to an attachment intent: a file
// means replace, removeImage=true means remove, anything else keeps the
// existing image untouched.
func formAttachmentChange(c echo.Context) (domain.AttachmentChange, error) {
	data, err := readFormImage(c)
	if err != nil {
		return domain.AttachmentChange{}, err
	}
	if data != nil {
		return domain.AttachmentChange{Action: domain.AttachmentReplace, Data: data}, nil
	}
	if strings.EqualFold(c.FormValue("removeImage"), "true") {
		return domain.AttachmentChange{Action: domain.AttachmentRemove}, nil
	}
	return domain.AttachmentChange{Action: domain.AttachmentKeep}, nil
}
