package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"modelhub/internal/core"
)

type streamDone struct {
	ToolCalls []core.ToolCall `json:"tool_calls,omitempty"`
}

// writeSSE relays s as server-sent events: one "data" event per fragment,
// then "done" or "error". A client disconnect closes the stream.
func writeSSE(c echo.Context, s *core.Stream) error {
	defer s.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
	}()

	for {
		text, err := s.Recv()
		switch {
		case errors.Is(err, io.EOF):
			return event(res, "done", streamDone{ToolCalls: s.ToolCalls()})
		case err != nil:
			// Headers are already sent; the failure travels in-band.
			var modelErr *core.ModelError
			if !errors.As(err, &modelErr) {
				modelErr = core.NewModelError(core.KindOf(err), "", err.Error(), err)
			}
			return event(res, "error", modelErr.ToJSON())
		}
		if err := event(res, "", map[string]string{"text": text}); err != nil {
			return err
		}
	}
}

func event(res *echo.Response, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(res, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
