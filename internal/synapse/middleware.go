package synapse

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/pkg/signature"
)

const senderKey = "sender"

// Sender returns the verified validator hotkey of the request.
func Sender(c *fiber.Ctx) string {
	s, _ := c.Locals(senderKey).(string)
	return s
}

// VerifySignatureMiddleware checks the signed headers against the raw body and
// that the request is addressed to hotkey.
func VerifySignatureMiddleware(v signature.SignatureVerifier, hotkey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := http.Header{}
		for _, k := range []string{channel.SignatureHeader, channel.HotkeyHeader, channel.MessageHeader} {
			h.Set(k, c.Get(k))
		}

		sender, err := channel.VerifyRequest(v, h, c.Body(), hotkey)
		if err != nil {
			log.Warn().Err(err).Str("path", c.Path()).Str("hotkey", c.Get(channel.HotkeyHeader)).Msg("rejected request")
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Status: "error", Message: err.Error()})
		}
		c.Locals(senderKey, sender)
		return c.Next()
	}
}

// OpenBodyMiddleware replaces a zstd or sealed request body with its plaintext.
// It must run after VerifySignatureMiddleware since the sender selects the key.
func OpenBodyMiddleware(channels channel.Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) == 0 || !strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentEncoding)), channel.EncodingZstd) {
			return c.Next()
		}

		ch, err := channels.For(Sender(c))
		if err != nil {
			log.Error().Err(err).Msg("no channel for sender")
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Status: "error", Message: "no channel for sender"})
		}
		out, err := ch.Decrypt(c.Body())
		if err != nil {
			log.Error().Err(err).Msg("failed to open request body")
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Status: "error", Message: "invalid request body"})
		}

		c.Request().SetBody(out)
		c.Request().Header.Set(fiber.HeaderContentLength, strconv.Itoa(len(out)))
		c.Request().Header.Del(fiber.HeaderContentEncoding)
		return c.Next()
	}
}
