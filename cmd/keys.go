package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"botwall-gateway/signature"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair (base64)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := signature.GenerateKeyPair(nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(keys)
		},
	}
}

// newSignCmd is the crawler-side signer. It applies the same message
// reconstruction as the gateway.
func newSignCmd() *cobra.Command {
	var (
		key     string
		input   string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign crawler request headers",
		Example: `  botwall sign --input "crawler-id crawler-max-price" \
    --header crawler-id=3f1c... --header crawler-max-price=0.05`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if key == "" {
				key = os.Getenv("CRAWLER_PRIVATE_KEY")
			}
			if key == "" {
				return errors.New("private key required (--key or CRAWLER_PRIVATE_KEY)")
			}
			values, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			sig, err := signature.SignEncoded(signature.ParseInput(input), values, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "base64 private key")
	cmd.Flags().StringVar(&input, "input", signature.HeaderCrawlerID+" "+signature.HeaderMaxPrice, "signature-input header value")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "header as name=value, repeatable")
	return cmd
}

func parseHeaders(pairs []string) (signature.HeaderMap, error) {
	raw := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want name=value", p)
		}
		raw[name] = strings.TrimSpace(value)
	}
	return signature.NewHeaderMap(raw), nil
}
