package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Register mounts the handler on every path of app.
func (h *Handler) Register(app *fiber.App) {
	app.All("/*", h.serveFiber)
}

// serveFiber adapts a fiber request. Fiber reuses request buffers once the
// handler returns, so everything handed to Serve is copied first.
func (h *Handler) serveFiber(c *fiber.Ctx) error {
	headers := make(map[string]string)
	for k, v := range c.GetReqHeaders() {
		if len(v) > 0 {
			headers[strings.Clone(k)] = strings.Clone(v[0])
		}
	}
	query := make(map[string]string)
	for k, v := range c.Queries() {
		query[strings.Clone(k)] = strings.Clone(v)
	}

	resp := h.Serve(c.UserContext(), Request{
		Method:  strings.Clone(c.Method()),
		Path:    strings.Clone(c.Path()),
		Headers: headers,
		Query:   query,
		Body:    append([]byte(nil), c.Body()...),
	})

	for k, v := range resp.Headers {
		c.Set(k, v)
	}
	return c.Status(resp.StatusCode).Send(resp.Body)
}
