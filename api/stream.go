package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

// streamView serves a server-sent-event stream of the viewer's task view.
// The current view is pushed immediately, then again after every change the
// session observes. EventSource cannot set headers, so the token may arrive
// as a query parameter instead.
func streamView(sessions Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		sess, release, err := sessions.Acquire(userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to open session")
		}
		defer release()

		if filter := c.QueryParam("filter"); filter != "" {
			if err := sess.SetFilter(filter); err != nil {
				return c.String(http.StatusBadRequest, err.Error())
			}
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)

		ctx := c.Request().Context()
		views, stop := sess.Watch()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case view, open := <-views:
				if !open {
					return nil
				}
				data, err := sonic.ConfigStd.Marshal(view)
				if err != nil {
					c.Logger().Error(err)
					return err
				}
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return err
				}
				if _, err := c.Response().Write(data); err != nil {
					return err
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return err
				}
				flusher.Flush()
			}
		}
	}
}
