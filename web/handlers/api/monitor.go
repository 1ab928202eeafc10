package api

import (
	"bytes"
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/ottermq/ottermon/internal/monitor/gui"
	"github.com/rs/zerolog/log"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json; charset=utf-8"
)

func queryValues(c *fiber.Ctx) url.Values {
	params, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		return url.Values{}
	}
	return params
}

// GetMonitor renders the monitor page, or its JSON view model with format=json.
func GetMonitor(c *fiber.Ctx, g *gui.GUI, policy gui.AccessPolicy) error {
	params := queryValues(c)
	var buf bytes.Buffer

	if params.Get("format") == "json" {
		if err := g.RenderJSON(c.UserContext(), &buf, params, policy); err != nil {
			return renderFailed(c, err)
		}
		c.Set(fiber.HeaderContentType, contentTypeJSON)
		return c.Status(fiber.StatusOK).Send(buf.Bytes())
	}

	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>ottermon</title>\n<style>\n")
	if err := g.OutputStyleSheet(&buf); err != nil {
		return renderFailed(c, err)
	}
	buf.WriteString("</style>\n<script>\n")
	if err := g.OutputJavaScript(&buf); err != nil {
		return renderFailed(c, err)
	}
	buf.WriteString("</script>\n</head><body>\n")
	if err := g.HTML(c.UserContext(), &buf, params, policy); err != nil {
		return renderFailed(c, err)
	}
	buf.WriteString("</body></html>\n")

	c.Set(fiber.HeaderContentType, contentTypeHTML)
	return c.Status(fiber.StatusOK).Send(buf.Bytes())
}

func renderFailed(c *fiber.Ctx, err error) error {
	log.Error().Err(err).Msg("Failed to render monitor page")
	return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Error: "Failed to render monitor: " + err.Error()})
}

// CommandMonitor handles PUT and DELETE on the monitor path. Both methods end
// up in the same command handler; the method only supplies the default kind.
func CommandMonitor(c *fiber.Ctx, g *gui.GUI, actor string, policy gui.AccessPolicy) error {
	params := queryValues(c)
	body := c.Body()
	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEApplicationForm) {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: "Invalid form body: " + err.Error()})
		}
		for k, v := range form {
			params[k] = v
		}
		body = nil
	}

	fallback := models.ActionReissue
	if c.Method() == fiber.MethodDelete {
		fallback = models.ActionDelete
	}

	var buf bytes.Buffer
	res, err := g.JSON(c.UserContext(), &buf, actor, params, body, fallback, policy)
	if err != nil {
		if errors.Is(err, models.ErrInvalidAction) {
			return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Error: err.Error()})
	}
	c.Set(fiber.HeaderContentType, contentTypeJSON)
	return c.Status(StatusCode(res.Status)).Send(buf.Bytes())
}

// StatusCode maps an action status onto an HTTP status.
func StatusCode(s models.ActionStatus) int {
	switch s {
	case models.StatusSuccess:
		return fiber.StatusOK
	case models.StatusNotFound:
		return fiber.StatusNotFound
	case models.StatusDenied:
		return fiber.StatusForbidden
	default:
		return fiber.StatusBadGateway
	}
}
