package cli

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"kilometers.ai/authlayer/internal/core/domain"
)

// newRequestCommand creates the request command
func newRequestCommand(a *app) *cobra.Command {
	var (
		data    string
		headers []string
		include bool
	)

	cmd := &cobra.Command{
		Use:   "request [method] <path>",
		Short: "Send one authenticated request",
		Long: `Send one request through the access layer and print the response body.
An expired access token is refreshed and the request retried once.`,
		Example: `  authlayer request /api/me
  authlayer request POST /api/items -d '{"name":"widget"}'
  authlayer request GET /api/items -H "Accept: application/json" -i`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, path := http.MethodGet, args[0]
			if len(args) == 2 {
				method, path = strings.ToUpper(args[0]), args[1]
			}

			header, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			container, err := a.build(true)
			if err != nil {
				return err
			}

			desc := domain.RequestDescriptor{
				Method: method,
				Path:   path,
				Header: header,
			}
			if data != "" {
				desc.Body = []byte(data)
			}

			resp, err := container.Client.Do(cmd.Context(), desc)
			if err != nil {
				if domain.IsSessionExpired(err) {
					return fmt.Errorf("%w; run 'authlayer login' to start a new session", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			if include {
				fmt.Fprintf(out, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
				keys := make([]string, 0, len(resp.Header))
				for k := range resp.Header {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "%s: %s\n", k, strings.Join(resp.Header[k], ", "))
				}
				fmt.Fprintln(out)
			}
			out.Write(resp.Body)
			if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra header as 'Key: Value' (repeatable)")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "Print status line and response headers")

	return cmd
}

// parseHeaders turns "Key: Value" pairs into a header
func parseHeaders(raw []string) (http.Header, error) {
	header := make(http.Header)
	for _, h := range raw {
		key, value, ok := strings.Cut(h, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Key: Value'", h)
		}
		header.Add(key, strings.TrimSpace(value))
	}
	return header, nil
}

func httpStatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
