package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/labstack/echo"
	"github.com/rs/zerolog"

	"github.com/comfycord/comfycord/pkg/engine"
)

type taskRequest struct {
	Feature string `json:"feature"`
	Text    string `json:"text"`
	UserId  string `json:"user_id"`
	Image   string `json:"image,omitempty"`
	Mask    string `json:"mask,omitempty"`
}

type taskImage struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

type taskResponse struct {
	Images    []taskImage `json:"images"`
	Prompt    string      `json:"prompt"`
	Negative  string      `json:"negative,omitempty"`
	Model     string      `json:"model"`
	ElapsedMs int64       `json:"elapsed_ms"`
}

// CreateTask runs one generation request through the engine. Source images
// arrive base64 encoded; artifacts go back the same way.
func CreateTask(eng *engine.Engine, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := &taskRequest{}
		if err := c.Bind(req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "can't parse the task request"})
		}
		if req.Feature == "" || req.UserId == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "feature and user_id are required"})
		}
		image, err := decodeField(req.Image)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "image is not valid base64"})
		}
		mask, err := decodeField(req.Mask)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "mask is not valid base64"})
		}

		result, err := eng.Generate(c.Request().Context(), engine.Request{
			Feature:  req.Feature,
			UserId:   req.UserId,
			Username: req.UserId,
			Text:     req.Text,
			Image:    image,
			Mask:     mask,
		})
		if err != nil {
			logger.Warn().Err(err).Str("feature", req.Feature).Msg("api: task failed")
			return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
		}

		resp := &taskResponse{
			Prompt:    result.Prompt,
			Negative:  result.Negative,
			Model:     result.Model,
			ElapsedMs: result.Elapsed.Milliseconds(),
		}
		for _, artifact := range result.Images {
			resp.Images = append(resp.Images, taskImage{
				Filename: artifact.Filename,
				Data:     base64.StdEncoding.EncodeToString(artifact.Data),
			})
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// TaskStatus reports queue depth, running count and admission state.
func TaskStatus(eng *engine.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, eng.Status(c.Request().Context()))
	}
}

func decodeField(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrBackend):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
