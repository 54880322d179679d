package apitest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

type emailKey struct{}

func withEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailKey{}, email)
}

func emailFrom(ctx context.Context) string {
	email, _ := ctx.Value(emailKey{}).(string)
	return email
}

// readAll reads the request body and puts it back so handlers can read it again.
func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, err
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
