package plugins

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/linht/phy-manager/radio"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SendSuccess sends a successful response
func SendSuccess(c *fiber.Ctx, data interface{}, message string) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error response
func SendError(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   err.Error(),
		Code:    errorCode(err),
	})
}

// SendErrorMessage sends an error response with a custom message
func SendErrorMessage(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}

// SendRadioError sends a driver error with the HTTP status matching its kind
func SendRadioError(c *fiber.Ctx, err error) error {
	return SendError(c, statusFor(err), err)
}

var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{radio.ErrInvalidOperation, fiber.StatusConflict, "invalid_operation"},
	{radio.ErrInvalidConfig, fiber.StatusBadRequest, "invalid_config"},
	{radio.ErrHardware, fiber.StatusBadGateway, "hardware"},
	{radio.ErrRetryExhausted, fiber.StatusGatewayTimeout, "retry_exhausted"},
	{radio.ErrVerify, fiber.StatusInternalServerError, "verify"},
	{radio.ErrComm, fiber.StatusServiceUnavailable, "comm"},
}

func statusFor(err error) int {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return fiber.StatusInternalServerError
}

func errorCode(err error) string {
	var herr *radio.HardwareError
	if errors.As(err, &herr) {
		return "hardware_" + herr.Category().String()
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return ""
}
