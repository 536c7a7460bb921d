package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const missingServerKey = "Not configured, or invalid key."

var (
	errNoServers         = errors.New("No server were found.")
	errNoSelectedServers = errors.New("--servers-filter/-s did not return any server.")
)

func newServersCommand() *cobra.Command {
	serversCmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect configured media servers",
	}

	var selected string
	viewCmd := &cobra.Command{
		Use:   "view [filter]",
		Short: "View servers settings",
		Long:  `View servers settings. The optional filter is any config key in dot notation, for example "webhook.token".`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			return renderServers(cmd.OutOrStdout(), appConfig.Servers, splitSelection(selected), filter)
		},
	}
	viewCmd.Flags().StringVarP(&selected, "servers-filter", "s", "", "View selected servers, comma separated. 's1,s2'.")

	serversCmd.AddCommand(viewCmd)
	return serversCmd
}

func splitSelection(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	selection := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			selection = append(selection, trimmed)
		}
	}
	return selection
}

// renderServers writes one row per server with the YAML value found under filter.
// An empty filter renders the whole server block.
func renderServers(out io.Writer, servers []config.BackendConfig, selected []string, filter string) error {
	rows := make([]config.BackendConfig, 0, len(servers))
	for _, server := range servers {
		if len(selected) > 0 && !contains(selected, server.Name) {
			continue
		}
		rows = append(rows, server)
	}
	if len(rows) == 0 {
		if len(selected) > 0 {
			return errNoSelectedServers
		}
		return errNoServers
	}

	header := "None"
	if filter != "" {
		header = filter
	}

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "Server\tFilter: %s\n", header)
	for index, server := range rows {
		if index > 0 {
			fmt.Fprint(writer, "\t\n")
		}
		value, err := serverValue(server, filter)
		if err != nil {
			return err
		}
		for lineIndex, line := range strings.Split(value, "\n") {
			name := ""
			if lineIndex == 0 {
				name = server.Name
			}
			fmt.Fprintf(writer, "%s\t%s\n", name, line)
		}
	}
	return writer.Flush()
}

func serverValue(server config.BackendConfig, filter string) (string, error) {
	encoded, err := yaml.Marshal(server)
	if err != nil {
		return "", fmt.Errorf("servers: encode %s: %w", server.Name, err)
	}
	var document map[string]any
	if err := yaml.Unmarshal(encoded, &document); err != nil {
		return "", fmt.Errorf("servers: decode %s: %w", server.Name, err)
	}

	var value any = document
	if filter != "" {
		var ok bool
		value, ok = lookupPath(document, filter)
		if !ok {
			return missingServerKey, nil
		}
	}

	rendered, err := yaml.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("servers: encode %s: %w", server.Name, err)
	}
	return strings.TrimSpace(string(rendered)), nil
}

func lookupPath(document map[string]any, path string) (any, bool) {
	var current any = document
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}
