package kami

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(b, v)
}
