package synapse

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/pkg/signature"
)

type Server struct {
	app      *fiber.App
	cfg      Config
	channels channel.Provider
}

func NewServer(cfg Config, verifier signature.SignatureVerifier, channels channel.Provider) *Server {
	if cfg.StreamChunks <= 0 {
		cfg.StreamChunks = 8
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})

	app.Use(recover.New())
	app.Use(VerifySignatureMiddleware(verifier, cfg.Hotkey))
	app.Use(OpenBodyMiddleware(channels))

	s := &Server{app: app, cfg: cfg, channels: channels}
	app.Get("/capacity", s.handleCapacity)
	app.Post("/chat/completions", s.handleText)
	app.Post("/completions", s.handleText)
	app.Post("/text-to-image", s.handleImage)
	app.Post("/image-to-image", s.handleImage)
	return s
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) handleCapacity(c *fiber.Ctx) error {
	log.Debug().Str("validator", Sender(c)).Msg("capacity requested")
	return c.JSON(s.cfg.Capacities)
}

func (s *Server) handleText(c *fiber.Ctx) error {
	var p tasks.ChatPayload
	if err := sonic.Unmarshal(c.Body(), &p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Status: "error", Message: "invalid payload"})
	}

	reply := Reply(p)
	if !p.Stream {
		return s.sealedJSON(c, textResponse{Text: reply})
	}

	chunked := strings.HasSuffix(c.Path(), "/chat/completions")
	parts := split(reply, s.cfg.StreamChunks)
	delay := s.cfg.ChunkDelay

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		for _, part := range parts {
			frame := map[string]any{"choices": []map[string]any{{"text": part}}}
			if chunked {
				frame = map[string]any{"choices": []map[string]any{{"delta": map[string]string{"content": part}}}}
			}
			b, _ := sonic.Marshal(frame)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			if err := w.Flush(); err != nil {
				return
			}
			if delay > 0 {
				time.Sleep(delay)
			}
		}
		_, _ = w.WriteString("data: [DONE]\n\n")
		_ = w.Flush()
	})
	return nil
}

func (s *Server) handleImage(c *fiber.Ctx) error {
	var p tasks.ImagePayload
	if err := sonic.Unmarshal(c.Body(), &p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Status: "error", Message: "invalid payload"})
	}
	img := fmt.Sprintf("%dx%d:%d:%s", p.Width, p.Height, p.Steps, p.Prompt)
	return s.sealedJSON(c, imageResponse{ImageB64: base64.StdEncoding.EncodeToString([]byte(img))})
}

// sealedJSON answers through the sender's channel so the response is
// compressed, and sealed when a key is agreed.
func (s *Server) sealedJSON(c *fiber.Ctx, v any) error {
	body, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	ch, err := s.channels.For(Sender(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Status: "error", Message: "no channel for sender"})
	}
	sealed, err := ch.Encrypt(body)
	if err != nil {
		return err
	}

	encoding := channel.EncodingZstd
	if e, ok := ch.(interface{ Encoding() string }); ok {
		encoding = e.Encoding()
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	c.Set(fiber.HeaderContentEncoding, encoding)
	return c.Send(sealed)
}

// Reply is the deterministic completion served for p, capped at MaxTokens.
func Reply(p tasks.ChatPayload) string {
	prompt := p.Prompt
	if n := len(p.Messages); n > 0 {
		prompt = p.Messages[n-1].Content
	}
	reply := []rune("echo: " + prompt)
	if limit := p.MaxTokens * tasks.CharsPerToken; limit > 0 && len(reply) > limit {
		reply = reply[:limit]
	}
	return string(reply)
}

// split cuts s into at most n parts on rune boundaries.
func split(s string, n int) []string {
	runes := []rune(s)
	if n <= 1 || len(runes) <= n {
		return []string{s}
	}
	size := (len(runes) + n - 1) / n
	out := make([]string, 0, n)
	for len(runes) > 0 {
		end := min(size, len(runes))
		out = append(out, string(runes[:end]))
		runes = runes[end:]
	}
	return out
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", s.cfg.Address).Str("hotkey", s.cfg.Hotkey).Msg("node listening")
		errCh <- s.app.Listen(s.cfg.Address)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
