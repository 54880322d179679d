package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/habedi/trackr/client"
	"github.com/habedi/trackr/pkg/clierr"
	"github.com/habedi/trackr/pkg/validation"
	"github.com/spf13/cobra"
)

// requestCmd sends an arbitrary request through the authenticated gateway.
func requestCmd(a *app) *cobra.Command {
	var data string
	var headers []string

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send a raw request to the API with the stored credentials",
		Long: "Send a raw request to the API. The access token is attached and renewed " +
			"automatically when the API reports it as expired.",
		Args: cobra.ExactArgs(2),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			method, err := validation.ValidateMethod(args[0])
			if err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}
			header, err := parseHeaders(headers)
			if err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}

			opts := client.RequestOptions{Method: method, Header: header}
			if data != "" {
				if !json.Valid([]byte(data)) {
					return clierr.New(clierr.Validation, "The --data value is not valid JSON.", nil)
				}
				opts.Body = []byte(data)
				if header.Get("Content-Type") == "" {
					header.Set("Content-Type", "application/json")
				}
			}

			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := sess.Do(cmd.Context(), args[1], opts)
			if err != nil {
				return apiFailure("Request failed", err)
			}
			defer resp.Body.Close()

			cmd.Println(resp.Proto, resp.Status)
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return clierr.New(clierr.Network, "Failed to read the response body.", err)
			}
			if len(body) > 0 {
				cmd.Println(strings.TrimRight(string(body), "\n"))
			}
			if resp.StatusCode >= 400 {
				return apiFailure(fmt.Sprintf("%s %s", method, args[1]), &client.APIError{StatusCode: resp.StatusCode})
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra request header in the form \"Name: value\" (repeatable)")
	return cmd
}

func parseHeaders(raw []string) (http.Header, error) {
	header := make(http.Header)
	header.Set("Accept", "application/json")
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q (expected \"Name: value\")", h)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}
